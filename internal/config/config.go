// Package config holds the import job configuration: file formats, defaults,
// environment overrides and validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pipeline is the whole job configuration.
type Pipeline struct {
	Job     string  `json:"job" toml:"job" yaml:"job"`
	Source  Source  `json:"source" toml:"source" yaml:"source"`
	Storage Storage `json:"storage" toml:"storage" yaml:"storage"`
	Metrics Metrics `json:"metrics" toml:"metrics" yaml:"metrics"`
	Log     Log     `json:"log" toml:"log" yaml:"log"`
}

type Source struct {
	CatalogURL string `json:"catalog_url" toml:"catalog_url" yaml:"catalog_url"`
	BulkType   string `json:"bulk_type" toml:"bulk_type" yaml:"bulk_type"`
	CacheDir   string `json:"cache_dir" toml:"cache_dir" yaml:"cache_dir"`
	// Compressed selects the .json.gz cache name. Reading sniffs gzip either way.
	Compressed      bool     `json:"compressed" toml:"compressed" yaml:"compressed"`
	Timeout         Duration `json:"timeout" toml:"timeout" yaml:"timeout"`
	DownloadTimeout Duration `json:"download_timeout" toml:"download_timeout" yaml:"download_timeout"`
	UserAgent       string   `json:"user_agent" toml:"user_agent" yaml:"user_agent"`
}

type Storage struct {
	Kind            string `json:"kind" toml:"kind" yaml:"kind"`
	DSN             string `json:"dsn" toml:"dsn" yaml:"dsn"`
	Table           string `json:"table" toml:"table" yaml:"table"`
	PrimaryKey      string `json:"primary_key" toml:"primary_key" yaml:"primary_key"`
	AutoCreateTable bool   `json:"auto_create_table" toml:"auto_create_table" yaml:"auto_create_table"`
	PageSize        int    `json:"page_size" toml:"page_size" yaml:"page_size"`
}

type Metrics struct {
	Backend    string   `json:"backend" toml:"backend" yaml:"backend"`
	Tags       []string `json:"tags" toml:"tags" yaml:"tags"`
	FlushEvery Duration `json:"flush_every" toml:"flush_every" yaml:"flush_every"`
}

type Log struct {
	Level  string `json:"level" toml:"level" yaml:"level"`
	Format string `json:"format" toml:"format" yaml:"format"`
}

// Duration is a time.Duration written as a Go duration string ("10s", "2m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// Defaults returns the configuration used for every key a file leaves out.
func Defaults() Pipeline {
	return Pipeline{
		Job: "cardetl",
		Source: Source{
			CatalogURL: "https://api.scryfall.com/bulk-data",
			BulkType:   "default_cards",
			CacheDir:   ".",
			Timeout:    Duration{10 * time.Second},
			UserAgent:  "cardetl/1.0",
		},
		Storage: Storage{
			Kind:            "postgres",
			Table:           "cards",
			PrimaryKey:      "id",
			AutoCreateTable: true,
			PageSize:        1000,
		},
		Metrics: Metrics{
			Backend:    "none",
			FlushEvery: Duration{60 * time.Second},
		},
		Log: Log{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads path over Defaults. The format follows the extension:
// .json, .toml, .yaml or .yml. Unknown keys are errors.
func Load(path string) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	p, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return Pipeline{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes raw in the format named by ext over Defaults.
func Parse(raw []byte, ext string) (Pipeline, error) {
	p := Defaults()
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, err
		}
	case ".toml":
		md, err := toml.Decode(string(raw), &p)
		if err != nil {
			return Pipeline{}, err
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Pipeline{}, fmt.Errorf("unknown keys: %v", undec)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return Pipeline{}, err
		}
	default:
		return Pipeline{}, fmt.Errorf("unsupported config format %q (want .json, .toml, .yaml)", ext)
	}
	return p, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. An empty
// path loads ./.env when it exists.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on p. getenv is usually os.Getenv.
//
// DSN precedence: CARDETL_DSN, DATABASE_URL, then a postgres DSN assembled
// from POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DB, POSTGRES_HOST and
// POSTGRES_PORT. ${VAR} references in a DSN taken from the file are
// expanded; DSNs taken from the environment are used verbatim.
func ApplyEnv(p *Pipeline, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	p.Storage.DSN = os.Expand(p.Storage.DSN, getenv)

	switch {
	case getenv("CARDETL_DSN") != "":
		p.Storage.DSN = getenv("CARDETL_DSN")
	case getenv("DATABASE_URL") != "":
		p.Storage.DSN = getenv("DATABASE_URL")
	case p.Storage.DSN == "" && getenv("POSTGRES_DB") != "":
		p.Storage.DSN = postgresDSN(getenv)
		p.Storage.Kind = "postgres"
	}
	if v := getenv("CARDETL_STORAGE"); v != "" {
		p.Storage.Kind = v
	}
	if v := getenv("CARDETL_BULK_TYPE"); v != "" {
		p.Source.BulkType = v
	}
	if v := getenv("CARDETL_CACHE_DIR"); v != "" {
		p.Source.CacheDir = v
	}
	if v := getenv("METRICS_BACKEND"); v != "" {
		p.Metrics.Backend = v
	}
	if v := getenv("METRICS_TAGS"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.Metrics.Tags = append(p.Metrics.Tags, t)
			}
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		p.Log.Level = v
	}
}

func postgresDSN(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + getenv("POSTGRES_DB"),
	}
	if user := getenv("POSTGRES_USER"); user != "" {
		if pw := getenv("POSTGRES_PASSWORD"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}
