// Package metrics is the backend-neutral instrumentation facade.
//
// Pipeline code calls the Record* helpers; a process installs one Backend at
// startup with SetBackend. The default backend drops everything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	StepTotal           = "cardetl_step_total"
	StepDurationSeconds = "cardetl_step_duration_seconds"
	CardsTotal          = "cardetl_cards_total"
	PagesTotal          = "cardetl_pages_total"

	HTTPRequestsTotal          = "cardetl_http_requests_total"
	HTTPErrorsTotal            = "cardetl_http_errors_total"
	HTTPRequestDurationSeconds = "cardetl_http_request_duration_seconds"
	HTTPResponseDurationSecs   = "cardetl_http_response_duration_seconds"
	HTTPDownloadBytes          = "cardetl_http_download_bytes"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush asks the installed backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": statusOf(err)}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordCards counts n cards of the given kind (processed, rejected,
// degraded, duplicate, changed).
func RecordCards(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(CardsTotal, float64(n), Labels{"kind": kind})
}

// RecordPages counts upsert statements sent.
func RecordPages(n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(PagesTotal, float64(n), nil)
}

// RecordHTTP records one HTTP exchange. op names the call (catalog,
// download); status is 0 when no response was received.
func RecordHTTP(op string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "none"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"op": op, "status": st}

	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 || status == 0 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPRequestDurationSeconds, reqDur.Seconds(), l)
	if respDur > 0 {
		b.ObserveHistogram(HTTPResponseDurationSecs, respDur.Seconds(), l)
	}
	if bytes > 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
