// Package postgres is the pgx-backed card store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardetl/internal/metrics"
	"cardetl/internal/storage"
)

// maxParams is the Postgres wire-protocol limit on bind parameters per statement.
const maxParams = 65535

func init() {
	storage.Register("postgres", storage.Backend{
		Open:           New,
		CreateTableSQL: createTableSQL,
	})
}

// Repo implements storage.Repository on a pgx connection pool.
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a pool for cfg.DSN and verifies it with a ping.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTable creates the schema (for qualified names) and the table if
// missing. It never alters an existing table.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	schemaSQL, baseSQL, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", t.Name, err)
		}
	}
	if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// UpsertRows writes rows in one transaction, one statement per page.
//
// The returned count is what Postgres reports for INSERT ... ON CONFLICT with a
// WHERE guard: inserted rows plus rows whose values actually changed.
func (r *Repo) UpsertRows(ctx context.Context, t storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, &storage.WriteError{Table: t.Name, Page: 0, Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	var total int64
	for i, page := range storage.Pages(rows, t.EffectivePageSize(maxParams)) {
		query, args, err := buildUpsertSQL(t, page)
		if err != nil {
			return 0, &storage.WriteError{Table: t.Name, Page: i, Err: err}
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return 0, &storage.WriteError{Table: t.Name, Page: i, Err: err}
		}
		total += tag.RowsAffected()
		metrics.RecordPages(1)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &storage.WriteError{Table: t.Name, Page: -1, Err: err}
	}
	return total, nil
}

// buildUpsertSQL constructs one INSERT ... ON CONFLICT statement and its args.
//
// It is pure and deterministic so placeholder numbering and the no-op guard
// can be unit tested without a database.
//
//	INSERT INTO cards AS tgt ("id", "name") VALUES ($1, $2), ...
//	ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"
//	WHERE (tgt."name") IS DISTINCT FROM (EXCLUDED."name");
//
// Constraints:
//   - every row has len(t.Columns) values.
//   - the row-value comparison is null-safe, so NULL -> NULL is not a change.
func buildUpsertSQL(t storage.TableSpec, rows [][]any) (string, []any, error) {
	cols := t.ColumnNames()
	nonKey := t.NonKeyColumns()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(t.Name))
	b.WriteString(" AS tgt (")
	b.WriteString(joinIdents(cols, ""))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if len(row) != len(cols) {
			return "", nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(cols))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range t.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			v, err := pgValue(c.Type, row[j])
			if err != nil {
				return "", nil, fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(t.PrimaryKey))
	b.WriteString(") DO UPDATE SET ")
	for i, c := range nonKey {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
	}
	b.WriteString(" WHERE (")
	b.WriteString(joinIdents(nonKey, "tgt."))
	b.WriteString(") IS DISTINCT FROM (")
	b.WriteString(joinIdents(nonKey, "EXCLUDED."))
	b.WriteString(");")

	return b.String(), args, nil
}

// pgValue converts a transformer value to what pgx encodes for the column type.
func pgValue(typ storage.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case storage.TypeUUID:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		return id, nil
	case storage.TypeJSON:
		switch t := v.(type) {
		case json.RawMessage:
			return t, nil
		case []byte:
			return json.RawMessage(t), nil
		case string:
			return json.RawMessage(t), nil
		}
		return nil, fmt.Errorf("want JSON blob, got %T", v)
	case storage.TypeDate:
		if _, ok := v.(time.Time); !ok {
			return nil, fmt.Errorf("want time.Time, got %T", v)
		}
	}
	return v, nil
}

// buildCreateSQL generates DDL for the table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - baseSQL:   CREATE TABLE IF NOT EXISTS with an inline PRIMARY KEY.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if c.Name == t.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

func createTableSQL(t storage.TableSpec) (string, error) {
	schemaSQL, baseSQL, err := buildCreateSQL(t)
	if err != nil {
		return "", err
	}
	if schemaSQL == "" {
		return baseSQL, nil
	}
	return schemaSQL + "\n" + baseSQL, nil
}

func pgType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeFloat:
		return "DOUBLE PRECISION", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeUUID:
		return "UUID", nil
	case storage.TypeJSON:
		return "JSONB", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

// pgIdent quotes an identifier, doubling embedded quotes.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a possibly schema-qualified name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func joinIdents(cols []string, prefix string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = prefix + pgIdent(c)
	}
	return strings.Join(parts, ", ")
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
