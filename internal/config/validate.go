package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"cardetl/internal/cards"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// BulkTypes are the catalog exports that hold card objects.
var BulkTypes = []string{"oracle_cards", "unique_artwork", "default_cards", "all_cards"}

// StorageKinds are the backends the binary is built with.
var StorageKinds = []string{"postgres", "sqlite", "mssql", "mysql"}

// MetricsBackends are the accepted metrics.backend values.
var MetricsBackends = []string{"none", "datadog"}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidatePipeline returns every problem found in p. The run must not start
// when any issue has SeverityError.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		add(SeverityWarning, "job", "empty; metrics will be tagged job:cardetl")
	}

	// source
	if !oneOf(p.Source.BulkType, BulkTypes) {
		add(SeverityError, "source.bulk_type", "%q is not one of %s", p.Source.BulkType, strings.Join(BulkTypes, ", "))
	}
	if strings.TrimSpace(p.Source.CatalogURL) == "" {
		add(SeverityError, "source.catalog_url", "required")
	} else if !strings.HasPrefix(p.Source.CatalogURL, "http://") && !strings.HasPrefix(p.Source.CatalogURL, "https://") {
		add(SeverityError, "source.catalog_url", "must be an http(s) URL")
	}
	if strings.TrimSpace(p.Source.CacheDir) == "" {
		add(SeverityError, "source.cache_dir", "required")
	}
	if p.Source.Timeout.Duration < 0 {
		add(SeverityError, "source.timeout", "must not be negative")
	}
	if p.Source.DownloadTimeout.Duration < 0 {
		add(SeverityError, "source.download_timeout", "must not be negative")
	}

	// storage
	if !oneOf(p.Storage.Kind, StorageKinds) {
		add(SeverityError, "storage.kind", "%q is not one of %s", p.Storage.Kind, strings.Join(StorageKinds, ", "))
	}
	if strings.TrimSpace(p.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "required (or set CARDETL_DSN / DATABASE_URL / POSTGRES_*)")
	}
	if !tableNameRe.MatchString(p.Storage.Table) {
		add(SeverityError, "storage.table", "%q is not a valid [schema.]table name", p.Storage.Table)
	}
	if !cards.ValidKey(p.Storage.PrimaryKey) {
		add(SeverityError, "storage.primary_key", "%q must be %q or %q", p.Storage.PrimaryKey, cards.KeyID, cards.KeyOracleID)
	} else if p.Storage.PrimaryKey == cards.KeyOracleID && p.Source.BulkType != "oracle_cards" {
		add(SeverityWarning, "storage.primary_key", "oracle_id with %s keeps one printing per card (the last one in the file)", p.Source.BulkType)
	}
	if p.Storage.PageSize < 0 {
		add(SeverityError, "storage.page_size", "must not be negative")
	}

	// metrics
	if !oneOf(p.Metrics.Backend, MetricsBackends) && p.Metrics.Backend != "" {
		add(SeverityError, "metrics.backend", "%q is not one of %s", p.Metrics.Backend, strings.Join(MetricsBackends, ", "))
	}
	if p.Metrics.Backend == "datadog" && p.Metrics.FlushEvery.Duration < 0 {
		add(SeverityError, "metrics.flush_every", "must not be negative")
	}
	for i, tag := range p.Metrics.Tags {
		if !strings.Contains(tag, ":") {
			add(SeverityWarning, fmt.Sprintf("metrics.tags[%d]", i), "%q has no key:value form", tag)
		}
	}

	// log
	if _, err := logrus.ParseLevel(p.Log.Level); err != nil {
		add(SeverityError, "log.level", "%v", err)
	}
	if !oneOf(p.Log.Format, []string{"", "auto", "text", "json"}) {
		add(SeverityError, "log.format", "%q is not one of auto, text, json", p.Log.Format)
	}

	return out
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
