package json

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// gzipMagic is the two-byte header of every gzip member.
var gzipMagic = [2]byte{0x1f, 0x8b}

// ArrayDecoder streams the object elements of a root JSON array one at a time.
//
// Streaming behavior:
//   - The root must be an array. Anything else is a document error.
//   - Elements are decoded one-by-one; the array is never materialized.
//   - null elements are skipped (they still advance Index).
//   - A non-object element, a truncated array, or data after the closing ']'
//     is a document error.
//   - Numbers are decoded as json.Number so callers decide on precision.
//
// Input may be gzip-compressed; compression is detected from the magic bytes,
// not from configuration or file names.
type ArrayDecoder struct {
	dec *json.Decoder
	gz  *gzip.Reader

	index   int
	started bool
	done    bool
	err     error
}

// NewArrayDecoder wraps r. It only peeks at r; nothing is consumed until Next.
func NewArrayDecoder(r io.Reader) (*ArrayDecoder, error) {
	br := bufio.NewReaderSize(r, 64<<10)

	var src io.Reader = br
	var gz *gzip.Reader
	if magic, err := br.Peek(2); err == nil && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err = gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("json: open gzip stream: %w", err)
		}
		src = gz
	}

	dec := json.NewDecoder(src)
	dec.UseNumber()
	return &ArrayDecoder{dec: dec, gz: gz}, nil
}

// Next returns the next object element. It returns false at the end of the
// array or on error; check Err to tell the two apart.
func (d *ArrayDecoder) Next() (map[string]any, bool) {
	if d.done {
		return nil, false
	}
	if !d.started {
		d.started = true
		if err := d.openArray(); err != nil {
			return d.fail(err)
		}
	}

	for d.dec.More() {
		d.index++
		var raw any
		if err := d.dec.Decode(&raw); err != nil {
			return d.fail(fmt.Errorf("json: decode array element %d: %w", d.index, err))
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return d.fail(fmt.Errorf("json: array element %d not an object (got %T)", d.index, raw))
		}
		return obj, true
	}

	if err := d.closeArray(); err != nil {
		return d.fail(err)
	}
	d.done = true
	return nil, false
}

// Err returns the first error encountered, or nil after a clean end of array.
func (d *ArrayDecoder) Err() error { return d.err }

// Index is the 1-based array position of the element last returned by Next.
func (d *ArrayDecoder) Index() int { return d.index }

// Close releases the gzip reader, if any. It does not close the underlying reader.
func (d *ArrayDecoder) Close() error {
	if d.gz != nil {
		return d.gz.Close()
	}
	return nil
}

func (d *ArrayDecoder) fail(err error) (map[string]any, bool) {
	d.err = err
	d.done = true
	return nil, false
}

func (d *ArrayDecoder) openArray() error {
	tok, err := d.dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("json: empty document (want array)")
		}
		return fmt.Errorf("json: read first token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("json: unsupported root token %v (want array)", tok)
	}
	return nil
}

func (d *ArrayDecoder) closeArray() error {
	end, err := d.dec.Token()
	if err != nil {
		return fmt.Errorf("json: read array end: %w", err)
	}
	if end != json.Delim(']') {
		return fmt.Errorf("json: expected array end ']', got %v", end)
	}
	if _, err := d.dec.Token(); !errors.Is(err, io.EOF) {
		if err != nil {
			return fmt.Errorf("json: after array end: %w", err)
		}
		return errors.New("json: unexpected data after array end")
	}
	return nil
}
