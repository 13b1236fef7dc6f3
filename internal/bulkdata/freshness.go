package bulkdata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CachePath is the local file for bulkType inside dir.
func CachePath(dir, bulkType string, compressed bool) string {
	name := "scryfall-" + bulkType + ".json"
	if compressed {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

// NeedsDownload reports whether the file at path is missing or strictly older
// than the entry. Equal timestamps count as fresh.
func NeedsDownload(entry Entry, path string) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("bulkdata: stat %s: %w", path, err)
	}
	return fi.ModTime().Before(entry.UpdatedAt), nil
}

// CacheStatus compares the local cache with the catalog without downloading.
type CacheStatus struct {
	Entry    Entry
	Path     string
	Exists   bool
	Size     int64
	Modified time.Time
	Stale    bool
}

// Status reports the state of the cache file for bulkType under dir.
func (c *Client) Status(ctx context.Context, bulkType, dir string, compressed bool) (CacheStatus, error) {
	entry, err := c.Entry(ctx, bulkType)
	if err != nil {
		return CacheStatus{}, err
	}
	st := CacheStatus{Entry: entry, Path: CachePath(dir, bulkType, compressed)}
	if fi, err := os.Stat(st.Path); err == nil {
		st.Exists = true
		st.Size = fi.Size()
		st.Modified = fi.ModTime()
	}
	st.Stale, err = NeedsDownload(entry, st.Path)
	if err != nil {
		return st, err
	}
	return st, nil
}
