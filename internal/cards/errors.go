package cards

import (
	"errors"
	"fmt"
)

// ErrMissingKey means the primary-key field is absent, null, or not a UUID.
// Such a record cannot be upserted and is rejected.
var ErrMissingKey = errors.New("cards: missing or invalid primary key")

// MalformedDocumentError reports that the bulk file is not a readable JSON
// array of objects: wrong root, truncated, or a non-object element. It is
// fatal for the run.
type MalformedDocumentError struct {
	// Line is the 1-based array position where decoding stopped.
	Line int
	Err  error
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("cards: malformed bulk document near element %d: %v", e.Line, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// Degradation is a non-fatal field problem: the column was set to nil and
// the record kept.
type Degradation struct {
	Line   int
	Column string
	Err    error
}

func (d Degradation) Error() string {
	return fmt.Sprintf("cards: element %d column %s: %v", d.Line, d.Column, d.Err)
}

func (d Degradation) Unwrap() error { return d.Err }

// RejectError is a record dropped by the transformer.
type RejectError struct {
	Line   int
	Column string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("cards: element %d rejected (%s): %v", e.Line, e.Column, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }
