package dwarf

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	log "github.com/sirupsen/logrus"
)

// CaptureKind selects which on-device directory tree a capture lands in.
type CaptureKind int

const (
	CapturePhoto CaptureKind = iota
	CaptureAstro
)

// PhotoEntry identifies one file on the device share.
type PhotoEntry struct {
	Path    string
	ModTime time.Time
}

// PhotoFile is a downloaded capture.
type PhotoFile struct {
	Entry PhotoEntry
	Data  []byte
}

var (
	photoExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".fits": true, ".fit": true}
	astroExtensions = map[string]bool{".fits": true, ".fit": true}
)

// photoDirCandidates maps the directory layouts seen across firmware
// generations: directory plus the filename prefix used in it.
func photoDirCandidates(camera string) [][2]string {
	camera = strings.ToUpper(camera)
	return [][2]string{
		{"/Normal_Photos", "DWARF3_" + camera},
		{"/DWARF_II/Normal_Photos", "DWARF_" + camera},
	}
}

var astroRoots = []string{"/Astronomy", "/DWARF_II/Astronomy"}

const astroSubdirPrefix = "DWARF_RAW"

// FTPClient reads captures off the device's anonymous FTP share.
type FTPClient struct {
	logger    log.FieldLogger
	addr      string
	timeout   time.Duration
	pollEvery time.Duration

	mu   sync.Mutex
	conn *ftp.ServerConn
}

func NewFTPClient(cfg Config, logger log.FieldLogger) *FTPClient {
	return &FTPClient{
		logger:    logger.WithField("component", "ftp"),
		addr:      fmt.Sprintf("%s:%d", cfg.DeviceIP, cfg.FtpPort),
		timeout:   cfg.FtpTimeout,
		pollEvery: cfg.FtpPollEvery,
	}
}

func (c *FTPClient) connect() (*ftp.ServerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := ftp.Dial(c.addr, ftp.DialWithTimeout(c.timeout))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	if err := conn.Login("Anonymous", ""); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("anonymous login: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// drop forgets the connection so the next call redials.
func (c *FTPClient) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Quit()
		c.conn = nil
	}
}

func (c *FTPClient) Close() error {
	c.drop()
	return nil
}

// entryTime asks the server for the file's MDTM timestamp, falling back
// to the listing time and finally the local clock.
func entryTime(conn *ftp.ServerConn, fullPath string, listed time.Time) time.Time {
	if t, err := conn.GetTime(fullPath); err == nil {
		return t
	}
	if !listed.IsZero() {
		return listed
	}
	return time.Now().UTC()
}

func (c *FTPClient) listFiles(conn *ftp.ServerConn, dir string) ([]*ftp.Entry, error) {
	entries, err := conn.List(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// LatestEntry returns the newest capture of the given kind, or nil when
// the share holds none.
func (c *FTPClient) LatestEntry(kind CaptureKind, camera string) (*PhotoEntry, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	var latest *PhotoEntry
	consider := func(entry *PhotoEntry) {
		if latest == nil || entry.ModTime.After(latest.ModTime) ||
			(entry.ModTime.Equal(latest.ModTime) && entry.Path > latest.Path) {
			latest = entry
		}
	}

	scanDir := func(dir, prefix string, extensions map[string]bool) {
		entries, err := c.listFiles(conn, dir)
		if err != nil {
			c.logger.WithError(err).WithField("dir", dir).Debug("Listing failed")
			return
		}
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			if prefix != "" && !strings.HasPrefix(e.Name, prefix) {
				continue
			}
			if !extensions[strings.ToLower(path.Ext(e.Name))] {
				continue
			}
			full := path.Join(dir, e.Name)
			consider(&PhotoEntry{Path: full, ModTime: entryTime(conn, full, e.Time)})
		}
	}

	switch kind {
	case CaptureAstro:
		for _, root := range astroRoots {
			entries, err := c.listFiles(conn, root)
			if err != nil {
				c.logger.WithError(err).WithField("dir", root).Debug("Listing failed")
				continue
			}
			for _, e := range entries {
				if e.Type != ftp.EntryTypeFolder || !strings.HasPrefix(e.Name, astroSubdirPrefix) {
					continue
				}
				scanDir(path.Join(root, e.Name), "", astroExtensions)
			}
		}
	default:
		for _, candidate := range photoDirCandidates(camera) {
			scanDir(candidate[0], candidate[1], photoExtensions)
		}
	}
	return latest, nil
}

// isNewerThan reports whether the entry postdates the baseline. A
// microsecond of slack absorbs MDTM rounding; a path change alone also
// counts as new.
func (e *PhotoEntry) isNewerThan(baseline *PhotoEntry) bool {
	if baseline == nil {
		return true
	}
	if e.Path != baseline.Path {
		return true
	}
	return e.ModTime.After(baseline.ModTime.Add(time.Microsecond))
}

// WaitForNewPhoto polls the share until a capture newer than the
// baseline shows up and downloads it. Returns nil on timeout.
func (c *FTPClient) WaitForNewPhoto(baseline *PhotoEntry, timeout time.Duration,
	kind CaptureKind, camera string) (*PhotoFile, error) {

	deadline := time.Now().Add(timeout)
	for {
		entry, err := c.LatestEntry(kind, camera)
		if err != nil {
			c.logger.WithError(err).Debug("Poll failed")
			c.drop()
		} else if entry != nil && entry.isNewerThan(baseline) {
			data, err := c.Download(entry.Path)
			if err != nil {
				c.logger.WithError(err).WithField("path", entry.Path).Warn("Download failed")
				c.drop()
			} else {
				return &PhotoFile{Entry: *entry, Data: data}, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(c.pollEvery)
	}
}

// Download fetches one file off the share.
func (c *FTPClient) Download(filePath string) ([]byte, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	res, err := conn.Retr(filePath)
	if err != nil {
		return nil, fmt.Errorf("retrieving %s: %w", filePath, err)
	}
	defer res.Close()
	return io.ReadAll(res)
}
