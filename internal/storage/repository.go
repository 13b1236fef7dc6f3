package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic write side of the card import.
//
// Each backend implements the conflict-aware upsert in its own idiomatic way
// (Postgres ON CONFLICT, SQLite upsert, SQL Server MERGE, MySQL ON DUPLICATE KEY).
type Repository interface {
	// Close releases backend resources. Callers treat Close as "call once".
	Close()

	// EnsureTable creates the destination table if it does not exist.
	EnsureTable(ctx context.Context, t TableSpec) error

	// UpsertRows writes rows (aligned with t.Columns) inside one transaction,
	// paging the statements by t.PageSize. On a primary-key conflict every
	// non-key column is overwritten, but only when at least one of them differs
	// from the stored value.
	//
	// Returns the number of rows the backend reports as inserted or changed.
	// On error nothing is committed and the error is a *WriteError.
	UpsertRows(ctx context.Context, t TableSpec, rows [][]any) (int64, error)
}

// Backend bundles what a storage kind contributes to the registry.
type Backend struct {
	// Open connects to the backend and returns a ready Repository.
	Open func(ctx context.Context, cfg Config) (Repository, error)

	// CreateTableSQL renders the CREATE TABLE statement for t. It must be pure.
	CreateTableSQL func(t TableSpec) (string, error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, Open is nil, or kind is already registered.
func Register(kind string, b Backend) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if b.Open == nil {
		panic("storage: Register called with nil Open")
	}
	if _, exists := backends[kind]; exists {
		panic(fmt.Sprintf("storage: backend already registered for kind=%q", kind))
	}

	backends[kind] = b
}

// New opens a Repository using the registered backend.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the backend's Open returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	b, err := lookup(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, cfg)
}

// CreateTableSQL renders the DDL for t in the dialect of kind.
func CreateTableSQL(kind string, t TableSpec) (string, error) {
	b, err := lookup(kind)
	if err != nil {
		return "", err
	}
	if b.CreateTableSQL == nil {
		return "", fmt.Errorf("storage: kind=%s does not render DDL", kind)
	}
	return b.CreateTableSQL(t)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookup(kind string) (Backend, error) {
	if kind == "" {
		return Backend{}, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	b, ok := backends[kind]
	mu.RUnlock()

	if !ok {
		return Backend{}, fmt.Errorf("unsupported storage.kind=%s", kind)
	}
	return b, nil
}
