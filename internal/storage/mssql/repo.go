package mssql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"cardetl/internal/metrics"
	"cardetl/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameters per request, leaving
// headroom for driver-added parameters.
const maxParams = 2000

func init() {
	storage.Register("mssql", storage.Backend{
		Open:           New,
		CreateTableSQL: buildCreateSQL,
	})
}

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Upserts use one MERGE per page:
//   - rows are matched on the primary key
//   - WHEN MATCHED AND EXISTS (SELECT src... EXCEPT SELECT tgt...) updates only
//     rows whose non-key values differ; EXCEPT treats NULLs as equal
//   - WHEN NOT MATCHED BY TARGET inserts
//
// Dates are sent as YYYY-MM-DD and UUIDs as strings; SQL Server converts them
// to DATE and UNIQUEIDENTIFIER on insert and when comparing.
type Repo struct {
	db dbConn
}

// New opens a database/sql handle with the "sqlserver" driver registered by
// github.com/microsoft/go-mssqldb and validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTable creates the table behind an OBJECT_ID guard.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
	}
	return nil
}

// UpsertRows merges rows in one transaction and returns inserted plus
// actually-updated rows.
func (r *Repo) UpsertRows(ctx context.Context, t storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &storage.WriteError{Table: t.Name, Page: 0, Err: fmt.Errorf("begin: %w", err)}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var total int64
	for i, page := range storage.Pages(rows, t.EffectivePageSize(maxParams)) {
		query, args, err := buildMergeSQL(t, page)
		if err != nil {
			return 0, &storage.WriteError{Table: t.Name, Page: i, Err: err}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, &storage.WriteError{Table: t.Name, Page: i, Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &storage.WriteError{Table: t.Name, Page: i, Err: err}
		}
		total += n
		metrics.RecordPages(1)
	}

	if err := tx.Commit(); err != nil {
		return 0, &storage.WriteError{Table: t.Name, Page: -1, Err: err}
	}
	committed = true
	return total, nil
}

// buildMergeSQL builds one MERGE statement for a page of rows.
//
// The returned SQL is deterministic for a given input.
func buildMergeSQL(t storage.TableSpec, rows [][]any) (string, []any, error) {
	cols := t.ColumnNames()
	nonKey := t.NonKeyColumns()
	pk := mssqlIdent(t.PrimaryKey)

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(t.Name))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")

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
			fmt.Fprintf(&b, "@p%d", p)
			v, err := mssqlValue(c.Type, row[j])
			if err != nil {
				return "", nil, fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			args = append(args, v)
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS src (")
	b.WriteString(joinIdents(cols, ""))
	b.WriteString(") ON tgt.")
	b.WriteString(pk)
	b.WriteString(" = src.")
	b.WriteString(pk)

	b.WriteString(" WHEN MATCHED AND EXISTS (SELECT ")
	b.WriteString(joinIdents(nonKey, "src."))
	b.WriteString(" EXCEPT SELECT ")
	b.WriteString(joinIdents(nonKey, "tgt."))
	b.WriteString(") THEN UPDATE SET ")
	for i, c := range nonKey {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = src.%s", mssqlIdent(c), mssqlIdent(c))
	}

	b.WriteString(" WHEN NOT MATCHED BY TARGET THEN INSERT (")
	b.WriteString(joinIdents(cols, ""))
	b.WriteString(") VALUES (")
	b.WriteString(joinIdents(cols, "src."))
	b.WriteString(");")

	return b.String(), args, nil
}

// mssqlValue converts a transformer value into a driver argument.
func mssqlValue(typ storage.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case storage.TypeJSON:
		switch t := v.(type) {
		case json.RawMessage:
			return string(t), nil
		case []byte:
			return string(t), nil
		case string:
			return t, nil
		}
		return nil, fmt.Errorf("want JSON blob, got %T", v)
	case storage.TypeDate:
		d, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("want time.Time, got %T", v)
		}
		return d.Format("2006-01-02"), nil
	}
	return v, nil
}

// buildCreateSQL builds idempotent CREATE TABLE SQL.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("mssql: %w", err)
	}
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c, c.Name == t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTable idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef builds a SQL Server column definition.
func mssqlColumnDef(c storage.ColumnSpec, primaryKey bool) (string, error) {
	var typ string
	switch c.Type {
	case storage.TypeText, storage.TypeJSON:
		typ = "NVARCHAR(MAX)"
	case storage.TypeInt:
		typ = "BIGINT"
	case storage.TypeFloat:
		typ = "FLOAT"
	case storage.TypeBool:
		typ = "BIT"
	case storage.TypeDate:
		typ = "DATE"
	case storage.TypeUUID:
		typ = "UNIQUEIDENTIFIER"
	default:
		return "", fmt.Errorf("mssql: column %s: unsupported type %q", c.Name, c.Type)
	}
	if primaryKey {
		return fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", mssqlIdent(c.Name), typ), nil
	}
	return fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), typ), nil
}

func joinIdents(cols []string, prefix string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.cards" -> [dbo].[cards]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
