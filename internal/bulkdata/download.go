package bulkdata

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cardetl/internal/metrics"
)

// Download streams entry.DownloadURI into path and stamps the file with
// entry.UpdatedAt. The body goes to a temp file in the same directory that is
// renamed into place, so path never holds a partial export.
//
// Returns the number of bytes written.
func (c *Client) Download(ctx context.Context, entry Entry, path string) (int64, error) {
	if c.downloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()
	}

	start := c.now()
	req, err := c.newRequest(ctx, entry.DownloadURI, "*/*")
	if err != nil {
		return 0, fmt.Errorf("bulkdata: download request: %w", err)
	}
	// The cache stores the bytes as served; gzip is detected when reading.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP("download", 0, err, c.now().Sub(start), 0, 0)
		return 0, &NetworkError{Op: "download", URL: entry.DownloadURI, Err: err}
	}
	defer resp.Body.Close()
	reqDur := c.now().Sub(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n, _ := io.Copy(io.Discard, resp.Body)
		metrics.RecordHTTP("download", resp.StatusCode, nil, reqDur, c.now().Sub(start), n)
		return 0, &NetworkError{Op: "download", URL: entry.DownloadURI, StatusCode: resp.StatusCode}
	}

	n, werr := writeBodyToFile(path, resp.Body)
	metrics.RecordHTTP("download", resp.StatusCode, werr, reqDur, c.now().Sub(start), n)
	if werr != nil {
		return n, fmt.Errorf("bulkdata: write %s: %w", path, werr)
	}
	if err := os.Chtimes(path, entry.UpdatedAt, entry.UpdatedAt); err != nil {
		return n, fmt.Errorf("bulkdata: stamp %s: %w", path, err)
	}
	return n, nil
}

// writeBodyToFile writes r to outputPath atomically.
//
// Behavior:
//   - Writes to a temp file in the same directory.
//   - Renames into place on success.
//   - On failure, attempts to remove the temp file.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".cardetl-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

// SyncResult describes what Sync did.
type SyncResult struct {
	Entry      Entry
	Path       string
	Downloaded bool
	Bytes      int64
}

// Sync looks up bulkType in the catalog and refreshes the cache file under dir
// when it is missing or stale. force downloads regardless of freshness.
func (c *Client) Sync(ctx context.Context, bulkType, dir string, compressed, force bool) (SyncResult, error) {
	entry, err := c.Entry(ctx, bulkType)
	if err != nil {
		return SyncResult{}, err
	}
	res := SyncResult{Entry: entry, Path: CachePath(dir, bulkType, compressed)}

	need := force
	if !need {
		need, err = NeedsDownload(entry, res.Path)
		if err != nil {
			return res, err
		}
	}
	if !need {
		return res, nil
	}

	n, err := c.Download(ctx, entry, res.Path)
	if err != nil {
		return res, err
	}
	res.Downloaded = true
	res.Bytes = n
	return res, nil
}
