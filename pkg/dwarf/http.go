package dwarf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// AlbumItem is one entry of the device's media album.
type AlbumItem struct {
	FilePath string
	FileName string
	ModTime  float64
}

// Media types accepted by the album listing endpoint.
const (
	MediaTypePhoto int = 1
	MediaTypeAstro int = 4
)

// HTTPClient talks to the device's two HTTP ports: the API port for
// configuration and album listings, the jpeg port for media downloads.
type HTTPClient struct {
	logger   log.FieldLogger
	client   *http.Client
	apiBase  string
	jpegBase string
	retries  int
}

func NewHTTPClient(cfg Config, logger log.FieldLogger) *HTTPClient {
	retries := cfg.HTTPRetries
	if retries < 1 {
		retries = 1
	}
	return &HTTPClient{
		logger:   logger.WithField("component", "http"),
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		apiBase:  fmt.Sprintf("http://%s:%d", cfg.DeviceIP, cfg.HTTPPort),
		jpegBase: fmt.Sprintf("http://%s:%d", cfg.DeviceIP, cfg.JpegPort),
		retries:  retries,
	}
}

// do runs one request with linear-backoff retries. The body factory is
// called per attempt so POST bodies can be re-read.
func (c *HTTPClient) do(method, url string, body func() io.Reader) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * 500 * time.Millisecond)
		}
		var reader io.Reader
		if body != nil {
			reader = body()
		}
		req, err := http.NewRequest(method, url, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("url", url).Debug("Request failed")
			continue
		}
		data, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if res.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("%s returned %s", url, res.Status)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retries, lastErr)
}

// GetDefaultParamsConfig fetches the device capability metadata.
func (c *HTTPClient) GetDefaultParamsConfig() (*ParamsConfig, error) {
	data, err := c.do(http.MethodGet, c.apiBase+"/getDefaultParamsConfig", nil)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding params config: %w", err)
	}
	return NewParamsConfig(raw), nil
}

// ListAlbum returns one page of album entries, newest first. Firmware
// revisions disagree on the response shape; every known one is
// accepted.
func (c *HTTPClient) ListAlbum(mediaType, pageIndex, pageSize int) ([]AlbumItem, error) {
	payload, err := json.Marshal(map[string]int{
		"mediaType": mediaType,
		"pageIndex": pageIndex,
		"pageSize":  pageSize,
	})
	if err != nil {
		return nil, err
	}
	data, err := c.do(http.MethodPost, c.apiBase+"/album/list/mediaInfos",
		func() io.Reader { return bytes.NewReader(payload) })
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding album listing: %w", err)
	}
	return parseAlbumItems(raw), nil
}

func parseAlbumItems(raw any) []AlbumItem {
	var items []AlbumItem
	for _, entry := range albumEntryList(raw) {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := AlbumItem{
			FilePath: stringField(m, "filePath", "path"),
			FileName: stringField(m, "fileName", "name"),
			ModTime:  numberField(m, "modTime", "modifyTime", "createTime"),
		}
		if item.FilePath == "" && item.FileName == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

// albumEntryList digs the entry list out of whichever envelope the
// firmware used.
func albumEntryList(raw any) []any {
	root, ok := raw.(map[string]any)
	if !ok {
		if list, ok := raw.([]any); ok {
			return list
		}
		return nil
	}
	data, ok := root["data"]
	if !ok {
		data = root
	}
	if list, ok := data.([]any); ok {
		return list
	}
	inner, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"mediaInfos", "list", "items", "records", "mediaList"} {
		if list, ok := inner[key].([]any); ok {
			return list
		}
	}
	for _, value := range inner {
		if list, ok := value.([]any); ok {
			return list
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if f, ok := m[key].(float64); ok {
			return f
		}
	}
	return 0
}

// normalizeMediaPath turns an on-device absolute path into the path the
// jpeg port serves it under.
func normalizeMediaPath(devicePath string) string {
	p := strings.TrimPrefix(devicePath, "/sdcard/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// FetchMedia downloads one media file by its on-device path.
func (c *HTTPClient) FetchMedia(devicePath string) ([]byte, error) {
	return c.do(http.MethodGet, c.jpegBase+normalizeMediaPath(devicePath), nil)
}
