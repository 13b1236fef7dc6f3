// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory and submitted on Flush: periodically from a
// ticker loop (default once per minute) and once more on Close. A short import
// produces a single tail flush; a long one also produces points while it runs.
//
// Concurrency model:
//   - pipeline code can call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits out-of-lock
//   - Close stops the loop and flushes
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"cardetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "cardetl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:cards"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams: clock, ticker and the submission client.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	stepCounts    map[string]float64 // step\x00status -> count
	stepDurations map[string][]float64
	cardCounts    map[string]float64 // kind -> count
	pageCount     float64
	httpReqCounts map[string]float64 // op\x00status -> count
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
	httpRespDur   map[string][]float64
	httpDownloadB map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client. API key
// and site come from the client's usual DD_API_KEY / DD_SITE environment.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "cardetl".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "cardetl"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
	}
	b.reset()

	go b.loop()
	return b, nil
}

func (b *Backend) reset() {
	b.stepCounts = make(map[string]float64)
	b.stepDurations = make(map[string][]float64)
	b.cardCounts = make(map[string]float64)
	b.pageCount = 0
	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
	b.httpRespDur = make(map[string][]float64)
	b.httpDownloadB = make(map[string][]float64)
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// It must be called once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.stepCounts[pairKey(labels["step"], labels["status"])] += delta
	case metrics.CardsTotal:
		if kind := labels["kind"]; kind != "" {
			b.cardCounts[kind] += delta
		}
	case metrics.PagesTotal:
		b.pageCount += delta
	case metrics.HTTPRequestsTotal:
		b.httpReqCounts[httpKey(labels)] += delta
	case metrics.HTTPErrorsTotal:
		b.httpErrCounts[httpKey(labels)] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepDurationSeconds:
		k := pairKey(labels["step"], labels["status"])
		b.stepDurations[k] = append(b.stepDurations[k], value)
	case metrics.HTTPRequestDurationSeconds:
		k := httpKey(labels)
		b.httpReqDur[k] = append(b.httpReqDur[k], value)
	case metrics.HTTPResponseDurationSecs:
		k := httpKey(labels)
		b.httpRespDur[k] = append(b.httpRespDur[k], value)
	case metrics.HTTPDownloadBytes:
		k := httpKey(labels)
		b.httpDownloadB[k] = append(b.httpDownloadB[k], value)
	}
}

// snapshot is the detached buffer state of one flush window.
type snapshot struct {
	stepCounts    map[string]float64
	stepDurations map[string][]float64
	cardCounts    map[string]float64
	pageCount     float64
	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
	httpRespDur   map[string][]float64
	httpDownloadB map[string][]float64
}

// snapshotAndReset grabs current buffers and starts a new window.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stepCounts:    b.stepCounts,
		stepDurations: b.stepDurations,
		cardCounts:    b.cardCounts,
		pageCount:     b.pageCount,
		httpReqCounts: b.httpReqCounts,
		httpErrCounts: b.httpErrCounts,
		httpReqDur:    b.httpReqDur,
		httpRespDur:   b.httpRespDur,
		httpDownloadB: b.httpDownloadB,
	}
	b.reset()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stepCounts) == 0 &&
		len(s.stepDurations) == 0 &&
		len(s.cardCounts) == 0 &&
		s.pageCount == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0 &&
		len(s.httpRespDur) == 0 &&
		len(s.httpDownloadB) == 0
}

// Flush submits buffered metrics and resets local buffers. Buffers are reset
// even if submission fails. Returns nil without submitting when there is no data.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// It is pure: no locks, no network, no clock.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stepCounts)+len(s.cardCounts)+32)

	for k, v := range s.stepCounts {
		step, status := splitPairKey(k)
		series = append(series, countSeries("cardetl.step.total", v, withTags(b.baseTags, "step:"+step, "status:"+status), nowUnix))
	}
	for k, samples := range s.stepDurations {
		step, status := splitPairKey(k)
		series = appendPercentiles(series, "cardetl.step.duration_seconds", samples, withTags(b.baseTags, "step:"+step, "status:"+status), nowUnix)
	}

	for kind, v := range s.cardCounts {
		series = append(series, countSeries("cardetl.cards.total", v, withTags(b.baseTags, "kind:"+kind), nowUnix))
	}
	if s.pageCount != 0 {
		series = append(series, countSeries("cardetl.pages.total", s.pageCount, b.baseTags, nowUnix))
	}

	for k, v := range s.httpReqCounts {
		series = append(series, countSeries("cardetl.http.requests.total", v, httpTags(b.baseTags, k), nowUnix))
	}
	for k, v := range s.httpErrCounts {
		series = append(series, countSeries("cardetl.http.errors.total", v, httpTags(b.baseTags, k), nowUnix))
	}
	for k, samples := range s.httpReqDur {
		series = appendPercentiles(series, "cardetl.http.request_duration_seconds", samples, httpTags(b.baseTags, k), nowUnix)
	}
	for k, samples := range s.httpRespDur {
		series = appendPercentiles(series, "cardetl.http.response_duration_seconds", samples, httpTags(b.baseTags, k), nowUnix)
	}
	for k, samples := range s.httpDownloadB {
		series = appendPercentiles(series, "cardetl.http.download_bytes", samples, httpTags(b.baseTags, k), nowUnix)
	}

	return series
}

// appendPercentiles appends p50/p90/p95/p99/max/samples gauges for samples.
// It sorts a copy; samples is not modified.
func appendPercentiles(series []datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return series
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	return append(series,
		gaugeSeries(prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(prefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(prefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(prefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func httpKey(labels metrics.Labels) string {
	op, status := labels["op"], labels["status"]
	if op == "" {
		op = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	return pairKey(op, status)
}

func httpTags(base []string, key string) []string {
	op, status := splitPairKey(key)
	return withTags(base, "op:"+op, "status:"+status)
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:cards".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
