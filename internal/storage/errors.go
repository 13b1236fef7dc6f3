package storage

import "fmt"

// WriteError reports that the destination rejected the upsert. The
// transaction has been rolled back; nothing from the run is committed.
//
// Page is the zero-based page that failed, or -1 when the commit itself failed.
type WriteError struct {
	Table string
	Page  int
	Err   error
}

func (e *WriteError) Error() string {
	if e.Page < 0 {
		return fmt.Sprintf("storage: commit %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("storage: upsert %s (page %d): %v", e.Table, e.Page, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
