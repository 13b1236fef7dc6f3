// Package bulkdata talks to the Scryfall bulk-data catalog and keeps a local
// cache of one export up to date.
package bulkdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cardetl/internal/metrics"
)

const (
	DefaultCatalogURL = "https://api.scryfall.com/bulk-data"
	DefaultUserAgent  = "cardetl/1.0"
	DefaultTimeout    = 10 * time.Second
)

// Entry is one export listed by the catalog.
type Entry struct {
	Type            string
	Name            string
	UpdatedAt       time.Time
	DownloadURI     string
	Size            int64
	ContentType     string
	ContentEncoding string
}

type catalogDoc struct {
	Data []struct {
		Type            string `json:"type"`
		Name            string `json:"name"`
		UpdatedAt       string `json:"updated_at"`
		DownloadURI     string `json:"download_uri"`
		Size            int64  `json:"size"`
		ContentType     string `json:"content_type"`
		ContentEncoding string `json:"content_encoding"`
	} `json:"data"`
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	CatalogURL string
	UserAgent  string
	// Timeout bounds the catalog request.
	Timeout time.Duration
	// DownloadTimeout bounds the whole download; 0 means no limit.
	DownloadTimeout time.Duration
	// HTTPClient replaces the transport, mostly for tests.
	HTTPClient *http.Client
}

type Client struct {
	catalogURL      string
	userAgent       string
	timeout         time.Duration
	downloadTimeout time.Duration
	http            *http.Client
	now             func() time.Time
}

func NewClient(opts Options) *Client {
	c := &Client{
		catalogURL:      opts.CatalogURL,
		userAgent:       opts.UserAgent,
		timeout:         opts.Timeout,
		downloadTimeout: opts.DownloadTimeout,
		http:            opts.HTTPClient,
		now:             time.Now,
	}
	if c.catalogURL == "" {
		c.catalogURL = DefaultCatalogURL
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}}
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, url, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", accept)
	return req, nil
}

// Entry fetches the catalog and returns the entry whose type is bulkType.
func (c *Client) Entry(ctx context.Context, bulkType string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	req, err := c.newRequest(ctx, c.catalogURL, "application/json")
	if err != nil {
		return Entry{}, fmt.Errorf("bulkdata: catalog request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP("catalog", 0, err, c.now().Sub(start), 0, 0)
		return Entry{}, &NetworkError{Op: "catalog", URL: c.catalogURL, Err: err}
	}
	defer resp.Body.Close()
	reqDur := c.now().Sub(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n, _ := io.Copy(io.Discard, resp.Body)
		metrics.RecordHTTP("catalog", resp.StatusCode, nil, reqDur, c.now().Sub(start), n)
		return Entry{}, &NetworkError{Op: "catalog", URL: c.catalogURL, StatusCode: resp.StatusCode}
	}

	body := &countingReader{r: resp.Body}
	var doc catalogDoc
	decErr := json.NewDecoder(body).Decode(&doc)
	metrics.RecordHTTP("catalog", resp.StatusCode, decErr, reqDur, c.now().Sub(start), body.n)
	if decErr != nil {
		return Entry{}, fmt.Errorf("bulkdata: decode catalog %s: %w", c.catalogURL, decErr)
	}

	for _, d := range doc.Data {
		if d.Type != bulkType {
			continue
		}
		ts, err := ParseTimestamp(d.UpdatedAt)
		if err != nil {
			return Entry{}, err
		}
		return Entry{
			Type:            d.Type,
			Name:            d.Name,
			UpdatedAt:       ts,
			DownloadURI:     d.DownloadURI,
			Size:            d.Size,
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
		}, nil
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrEntryNotFound, bulkType)
}

// ParseTimestamp parses an RFC 3339 instant with a Z or numeric offset.
// Fractional seconds are optional.
func ParseTimestamp(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, &MalformedTimestampError{Value: s, Err: err}
	}
	return ts, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
