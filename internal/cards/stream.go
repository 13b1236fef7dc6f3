package cards

import (
	"errors"
	"io"

	pjson "cardetl/internal/parser/json"
)

// Stats counts what a Stream has seen so far.
type Stats struct {
	Processed    int // elements turned into rows
	Rejected     int // elements dropped (no usable primary key)
	Degradations int // field-level problems across all rows
}

// Stream yields one row per card object of a bulk file, in file order.
// It reads one element at a time and cannot be restarted.
//
//	s, err := cards.NewStream(f, tr)
//	for s.Scan() {
//		use(s.Row())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	dec *pjson.ArrayDecoder
	tr  *Transformer

	// OnReject, when set, is called for every rejected record.
	OnReject func(*RejectError)

	row   []any
	line  int
	err   error
	stats Stats
}

// NewStream reads a JSON array of cards (plain or gzip) from r.
func NewStream(r io.Reader, tr *Transformer) (*Stream, error) {
	dec, err := pjson.NewArrayDecoder(r)
	if err != nil {
		return nil, &MalformedDocumentError{Err: err}
	}
	return &Stream{dec: dec, tr: tr}, nil
}

// Scan advances to the next accepted row. Rejected records are skipped.
// It returns false at the end of the document or on a fatal error.
func (s *Stream) Scan() bool {
	s.row = nil
	if s.err != nil {
		return false
	}
	for {
		card, ok := s.dec.Next()
		if !ok {
			if err := s.dec.Err(); err != nil {
				s.err = &MalformedDocumentError{Line: s.dec.Index(), Err: err}
			}
			return false
		}
		s.line = s.dec.Index()

		row, err := s.tr.Transform(s.line, card)
		if err != nil {
			var rej *RejectError
			if !errors.As(err, &rej) {
				s.err = err
				return false
			}
			s.stats.Rejected++
			if s.OnReject != nil {
				s.OnReject(rej)
			}
			continue
		}
		s.stats.Processed++
		s.row = row
		return true
	}
}

// Row returns the row produced by the last successful Scan.
func (s *Stream) Row() []any { return s.row }

// Line is the array position of the current row.
func (s *Stream) Line() int { return s.line }

// Err returns the fatal error that stopped the stream, if any. A clean end of
// document returns nil.
func (s *Stream) Err() error { return s.err }

// Stats returns running totals.
func (s *Stream) Stats() Stats {
	st := s.stats
	st.Degradations = s.tr.Degradations()
	return st
}

// Close releases decoder resources. It does not close the reader given to NewStream.
func (s *Stream) Close() error { return s.dec.Close() }
