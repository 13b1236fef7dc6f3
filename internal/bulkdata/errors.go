package bulkdata

import (
	"errors"
	"fmt"
)

// ErrEntryNotFound is returned when the catalog has no entry of the requested type.
var ErrEntryNotFound = errors.New("bulkdata: bulk type not in catalog")

// NetworkError reports a failed or non-2xx HTTP exchange. StatusCode is 0 when
// no response was received. Op is "catalog" or "download".
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bulkdata: %s %s: unexpected HTTP status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("bulkdata: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedTimestampError reports an updated_at value that is not RFC 3339.
type MalformedTimestampError struct {
	Value string
	Err   error
}

func (e *MalformedTimestampError) Error() string {
	return fmt.Sprintf("bulkdata: malformed updated_at %q: %v", e.Value, e.Err)
}

func (e *MalformedTimestampError) Unwrap() error { return e.Err }
