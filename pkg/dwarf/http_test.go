package dwarf

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlbumEntryListShapes(t *testing.T) {
	entry := map[string]any{"filePath": "/a.fits", "fileName": "a.fits", "modTime": float64(100)}

	tests := []struct {
		name string
		raw  any
		want int
	}{
		{name: "bare list", raw: []any{entry}, want: 1},
		{name: "data list", raw: map[string]any{"data": []any{entry}}, want: 1},
		{name: "mediaInfos", raw: map[string]any{"data": map[string]any{"mediaInfos": []any{entry}}}, want: 1},
		{name: "list key", raw: map[string]any{"data": map[string]any{"list": []any{entry}}}, want: 1},
		{name: "records key", raw: map[string]any{"data": map[string]any{"records": []any{entry}}}, want: 1},
		{name: "unnamed list value", raw: map[string]any{"data": map[string]any{"payload": []any{entry}}}, want: 1},
		{name: "no envelope", raw: map[string]any{"code": float64(0)}, want: 0},
		{name: "scalar", raw: "nope", want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			items := parseAlbumItems(tc.raw)
			require.Len(t, items, tc.want)
			if tc.want > 0 {
				assert.Equal(t, "/a.fits", items[0].FilePath)
				assert.Equal(t, float64(100), items[0].ModTime)
			}
		})
	}
}

func TestParseAlbumItemsAlternateKeys(t *testing.T) {
	raw := map[string]any{"data": []any{
		map[string]any{"path": "/b.jpg", "name": "b.jpg", "createTime": float64(7)},
		map[string]any{"note": "no file info"},
	}}
	items := parseAlbumItems(raw)
	require.Len(t, items, 1)
	assert.Equal(t, "/b.jpg", items[0].FilePath)
	assert.Equal(t, "b.jpg", items[0].FileName)
	assert.Equal(t, float64(7), items[0].ModTime)
}

func TestNormalizeMediaPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/sdcard/Astronomy/a.fits", "/Astronomy/a.fits"},
		{"/Astronomy/a.fits", "/Astronomy/a.fits"},
		{"Normal_Photos/b.jpg", "/Normal_Photos/b.jpg"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, normalizeMediaPath(tc.in))
	}
}

func newTestHTTPClient(apiURL, jpegURL string) *HTTPClient {
	return &HTTPClient{
		logger:   log.New().WithField("component", "http"),
		client:   http.DefaultClient,
		apiBase:  apiURL,
		jpegBase: jpegURL,
		retries:  3,
	}
}

func TestListAlbumPostsQuery(t *testing.T) {
	var got map[string]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/album/list/mediaInfos", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"data":{"mediaInfos":[{"filePath":"/x.fits","modTime":5}]}}`))
	}))
	defer srv.Close()

	client := newTestHTTPClient(srv.URL, srv.URL)
	items, err := client.ListAlbum(MediaTypeAstro, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/x.fits", items[0].FilePath)
	assert.Equal(t, map[string]int{"mediaType": 4, "pageIndex": 0, "pageSize": 10}, got)
}

func TestFetchMediaRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Astronomy/a.fits", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := newTestHTTPClient(srv.URL, srv.URL)
	data, err := client.FetchMedia("/sdcard/Astronomy/a.fits")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetDefaultParamsConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/getDefaultParamsConfig", r.URL.Path)
		w.Write([]byte(`{"data":{"cameras":[{"id":0,"name":"tele"}]}}`))
	}))
	defer srv.Close()

	client := newTestHTTPClient(srv.URL, srv.URL)
	config, err := client.GetDefaultParamsConfig()
	require.NoError(t, err)
	cam, ok := config.TeleCamera()
	require.True(t, ok)
	assert.Equal(t, "tele", cam.Name())
}
