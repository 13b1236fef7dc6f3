package main

import (
	"context"
	"fmt"

	"cardetl/internal/config"
	"cardetl/internal/metrics"
	"cardetl/internal/metrics/datadog"
)

// metricsBackend is the minimal interface initMetrics needs from a backend.
type metricsBackend interface {
	Close() error
}

type logFunc func(format string, v ...any)

var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	// A nil or non-backend value restores the nop backend.
	setMetricsBackend = func(b any) {
		mb, _ := b.(metrics.Backend)
		metrics.SetBackend(mb)
	}
)

// initMetrics installs the configured metrics backend. The returned cleanup
// is never nil and must be called once; it flushes and closes the backend.
func initMetrics(ctx context.Context, job string, m config.Metrics, logf logFunc) (func(), error) {
	noop := func() {}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	switch m.Backend {
	case "", "none":
		return noop, nil

	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       m.Tags,
			FlushEvery: m.FlushEvery.Duration,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog backend: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", m.Backend)
	}
}
