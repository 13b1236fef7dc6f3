package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cardetl/internal/metrics"
	"cardetl/internal/storage"
)

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for SQLite >= 3.32.
const maxParams = 32766

// dateLayout is how DATE columns are stored. SQLite has no date type, and a
// fixed text form keeps the IS NOT guard stable across runs.
const dateLayout = "2006-01-02"

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - JSON blobs are stored as TEXT; the transformer's encoding is canonical,
//     so equal blobs compare equal.
//   - Dates are stored as YYYY-MM-DD text.
//   - Booleans are stored as 0/1 INTEGER.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", storage.Backend{
		Open:           New,
		CreateTableSQL: buildCreateTableSQL,
	})
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTable creates the table if it does not exist.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// UpsertRows writes all rows in one transaction. The count is SQLite's
// changes(): inserted rows plus rows the guarded DO UPDATE actually touched.
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
	defer func() { _ = tx.Rollback() }()

	var total int64
	for i, page := range storage.Pages(rows, t.EffectivePageSize(maxParams)) {
		query, args, err := buildUpsertSQL(t, page)
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
	return total, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("%s column %s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if c.Name == t.PrimaryKey {
			col += " PRIMARY KEY NOT NULL"
		}
		parts = append(parts, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func sqliteType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeText, storage.TypeDate, storage.TypeUUID, storage.TypeJSON:
		return "TEXT", nil
	case storage.TypeInt, storage.TypeBool:
		return "INTEGER", nil
	case storage.TypeFloat:
		return "REAL", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

// buildUpsertSQL builds one multi-row upsert:
//
//	INSERT INTO "cards" ("id", "name") VALUES (?, ?), ...
//	ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name"
//	WHERE "cards"."name" IS NOT excluded."name";
//
// IS NOT is SQLite's null-safe inequality.
func buildUpsertSQL(t storage.TableSpec, rows [][]any) (string, []any, error) {
	table := sqlIdent(t.Name)
	cols := t.ColumnNames()
	nonKey := t.NonKeyColumns()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if len(row) != len(cols) {
			return "", nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(cols))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for j, c := range t.Columns {
			v, err := sqliteValue(c.Type, row[j])
			if err != nil {
				return "", nil, fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			args = append(args, v)
		}
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(sqlIdent(t.PrimaryKey))
	b.WriteString(") DO UPDATE SET ")
	for i, c := range nonKey {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", sqlIdent(c), sqlIdent(c))
	}
	b.WriteString(" WHERE ")
	for i, c := range nonKey {
		if i > 0 {
			b.WriteString(" OR ")
		}
		fmt.Fprintf(&b, "%s.%s IS NOT excluded.%s", table, sqlIdent(c), sqlIdent(c))
	}
	b.WriteString(";")

	return b.String(), args, nil
}

// sqliteValue converts a transformer value to its stored form.
func sqliteValue(typ storage.ColumnType, v any) (any, error) {
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
		return formatSQLiteDate(d), nil
	case storage.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return v, nil
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// formatSQLiteDate formats the calendar date of t.
func formatSQLiteDate(t time.Time) string {
	return t.Format(dateLayout)
}

// parseSQLiteDate parses dates stored by formatSQLiteDate, tolerating the
// datetime forms other tools write into DATE-like columns.
func parseSQLiteDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date string")
	}

	layouts := []string{
		dateLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %q", s)
}
