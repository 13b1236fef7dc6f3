package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cardetl/internal/bulkdata"
	"cardetl/internal/config"
	"cardetl/internal/metrics/datadog"
)

const cardsJSON = `[
 {"id":"0000579f-7b35-4ed3-b44c-db2a538066fe","name":"Fury Sliver","released_at":"2006-10-06"},
 {"id":"00006596-1166-4a79-8443-ca9f82e6db4e","name":"Kor Outfitter","released_at":"2009-10-02"},
 {"name":"No Id"}
]`

// fakeClient serves a fixed bulk file without touching the network.
type fakeClient struct {
	path    string
	syncErr error
	status  bulkdata.CacheStatus
	syncs   atomic.Int64
}

func (c *fakeClient) Sync(ctx context.Context, bulkType, dir string, compressed, force bool) (bulkdata.SyncResult, error) {
	c.syncs.Add(1)
	if c.syncErr != nil {
		return bulkdata.SyncResult{}, c.syncErr
	}
	return bulkdata.SyncResult{Entry: bulkdata.Entry{Type: bulkType}, Path: c.path}, nil
}

func (c *fakeClient) Status(ctx context.Context, bulkType, dir string, compressed bool) (bulkdata.CacheStatus, error) {
	return c.status, nil
}

func testDeps(t *testing.T, client *fakeClient, env map[string]string) appDeps {
	t.Helper()
	d := defaultDeps()
	d.getenv = func(k string) string { return env[k] }
	d.loadEnvFile = func(string) error { return nil }
	d.newClient = func(bulkdata.Options) catalogClient { return client }
	d.initMetrics = func(context.Context, string, config.Metrics, logFunc) (func(), error) {
		return func() {}, nil
	}
	d.isTerminal = func(io.Writer) bool { return false }
	return d
}

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"unknown_flag", []string{"import", "--nope"}, "unknown flag"},
		{"unknown_command", []string{"frobnicate"}, "unknown command"},
		{"missing_config_file", []string{"validate", "--config", "/does/not/exist.json"}, "read config"},
		{"extra_args", []string{"schema", "extra"}, "unknown command"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tc.args, &stdout, &stderr, testDeps(t, &fakeClient{}, nil))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	good := writeTemp(t, "good.yaml", "storage:\n  kind: sqlite\n  dsn: cards.db\n")
	bad := writeTemp(t, "bad.toml", "[source]\nbulk_type = \"rulings\"\n[storage]\ndsn = \"x\"\n")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"validate", "--config", good}, &stdout, &stderr, testDeps(t, &fakeClient{}, nil)); code != 0 {
		t.Fatalf("valid config exit=%d stdout=%q stderr=%q", code, stdout.String(), stderr.String())
	}
	if !strings.Contains(stdout.String(), "configuration is valid") {
		t.Fatalf("stdout=%q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := run(context.Background(), []string{"validate", "--config", bad}, &stdout, &stderr, testDeps(t, &fakeClient{}, nil)); code != 2 {
		t.Fatalf("invalid config exit=%d, want 2", code)
	}
	if !strings.Contains(stdout.String(), "error source.bulk_type") {
		t.Fatalf("stdout=%q, want the bulk_type issue", stdout.String())
	}
}

func TestValidate_DSNFromEnvironment(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	d := testDeps(t, &fakeClient{}, map[string]string{"POSTGRES_DB": "cards", "POSTGRES_USER": "mtg"})
	if code := run(context.Background(), []string{"validate"}, &stdout, &stderr, d); code != 0 {
		t.Fatalf("exit=%d stdout=%q", code, stdout.String())
	}
}

func TestSchema(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind    string
		wantSub string
	}{
		{"sqlite", `CREATE TABLE IF NOT EXISTS "cards"`},
		{"postgres", `"id" UUID`},
		{"mssql", "IF OBJECT_ID"},
		{"mysql", "utf8mb4"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.kind, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), []string{"schema", "--storage", tc.kind}, &stdout, &stderr, testDeps(t, &fakeClient{}, nil))
			if code != 0 {
				t.Fatalf("exit=%d stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stdout.String(), tc.wantSub) {
				t.Fatalf("ddl=%q, want contains %q", stdout.String(), tc.wantSub)
			}
			if !strings.Contains(stdout.String(), "card_faces") {
				t.Fatalf("ddl missing last column: %q", stdout.String())
			}
		})
	}

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"schema", "--storage", "oracle"}, &stdout, &stderr, testDeps(t, &fakeClient{}, nil)); code != 2 {
		t.Fatalf("unknown storage exit=%d, want 2", code)
	}
}

func TestImport_SQLite_Twice(t *testing.T) {
	t.Parallel()

	client := &fakeClient{path: writeTemp(t, "scryfall-default_cards.json", cardsJSON)}
	dsn := filepath.Join(t.TempDir(), "cards.db")
	args := []string{"import", "--storage", "sqlite", "--dsn", dsn, "--table", "cards"}

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), args, &stdout, &stderr, testDeps(t, client, nil)); code != 0 {
		t.Fatalf("import #1 exit=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "processed=2 rejected=1 duplicates=0 changed=2") {
		t.Fatalf("import #1 stdout=%q", stdout.String())
	}
	// non-terminal stderr gets JSON logs
	if !strings.Contains(stderr.String(), `"msg":"import complete"`) {
		t.Fatalf("stderr=%q, want JSON log lines", stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := run(context.Background(), args, &stdout, &stderr, testDeps(t, client, nil)); code != 0 {
		t.Fatalf("import #2 exit=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "changed=0") {
		t.Fatalf("import #2 stdout=%q, want changed=0", stdout.String())
	}
	if client.syncs.Load() != 2 {
		t.Fatalf("syncs=%d, want 2", client.syncs.Load())
	}
}

func TestImport_Failures(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "cards.db")
	tests := []struct {
		name     string
		client   *fakeClient
		args     []string
		wantCode int
		wantSub  string
	}{
		{
			name:     "download_error_is_fatal",
			client:   &fakeClient{syncErr: &bulkdata.NetworkError{Op: "download", URL: "u", StatusCode: 502}},
			args:     []string{"import", "--storage", "sqlite", "--dsn", dsn},
			wantCode: 1,
			wantSub:  "HTTP status 502",
		},
		{
			name:     "invalid_config_never_syncs",
			client:   &fakeClient{},
			args:     []string{"import", "--storage", "sqlite", "--dsn", dsn, "--primary-key", "name"},
			wantCode: 2,
			wantSub:  "configuration is invalid",
		},
		{
			name:     "malformed_document",
			client:   &fakeClient{path: writeTemp(t, "bad.json", `{"not":"an array"}`)},
			args:     []string{"import", "--storage", "sqlite", "--dsn", dsn},
			wantCode: 1,
			wantSub:  "malformed bulk document",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tc.args, &stdout, &stderr, testDeps(t, tc.client, nil))
			if code != tc.wantCode {
				t.Fatalf("exit=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantSub)
			}
			if tc.wantCode == 2 && tc.client.syncs.Load() != 0 {
				t.Fatalf("sync called on a config error")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	updated := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	client := &fakeClient{status: bulkdata.CacheStatus{
		Entry: bulkdata.Entry{Type: "oracle_cards", UpdatedAt: updated, Size: 3 << 20},
		Path:  "/cache/scryfall-oracle_cards.json",
		Stale: true,
	}}

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"status", "--type", "oracle_cards"}, &stdout, &stderr, testDeps(t, client, nil)); code != 0 {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"oracle_cards", "2024-05-01T09:00:00Z", "3.0 MiB", "missing", "stale"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output=%q, want contains %q", out, want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color escapes on a non-terminal: %q", out)
	}
}

func TestHumanBytes(t *testing.T) {
	t.Parallel()

	tests := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 1536: "1.5 KiB", 5 << 30: "5.0 GiB"}
	for in, want := range tests {
		if got := humanBytes(in); got != want {
			t.Fatalf("humanBytes(%d)=%q, want %q", in, got, want)
		}
	}
}

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(any) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "none"}, nil)
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }

	var logged bytes.Buffer
	logf := func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	m := config.Metrics{Backend: "datadog", Tags: []string{"team:cards"}, FlushEvery: config.Duration{Duration: 5 * time.Second}}
	cleanup, err := initMetrics(context.Background(), "jobA", m, logf)
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if gotOpts.JobName != "jobA" || gotOpts.FlushEvery != 5*time.Second || len(gotOpts.Tags) != 1 {
		t.Fatalf("datadog options=%+v", gotOpts)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1/1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	// cleanup restores the nop backend
	if setCalls.Load() != 2 {
		t.Fatalf("set calls after cleanup=%d, want 2", setCalls.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(any) {}

	var logged bytes.Buffer
	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "datadog"}, func(format string, v ...any) {
		fmt.Fprintf(&logged, format, v...)
	})
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q, want close error", logged.String())
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "nope"}, nil)
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "none|datadog")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	env := &cmdEnv{flags: &rootFlags{verbose: true}, deps: appDeps{isTerminal: func(io.Writer) bool { return true }}, stderr: &stderr}
	l, err := env.newLogger(config.Log{Level: "warn", Format: "auto"})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if l.GetLevel().String() != "debug" {
		t.Fatalf("level=%s, want debug with -v", l.GetLevel())
	}
	l.Info("hello")
	if strings.HasPrefix(strings.TrimSpace(stderr.String()), "{") {
		t.Fatalf("terminal output should be text, got %q", stderr.String())
	}

	env.flags.verbose = false
	if _, err := env.newLogger(config.Log{Level: "loud"}); err == nil {
		t.Fatalf("expected error for bad level")
	}
}
