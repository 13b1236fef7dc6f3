// Package mysql stores cards in MySQL/MariaDB through gorm.
package mysql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cardetl/internal/metrics"
	"cardetl/internal/storage"
)

// maxParams is the MySQL prepared-statement placeholder limit.
const maxParams = 65535

func init() {
	storage.Register("mysql", storage.Backend{
		Open:           New,
		CreateTableSQL: buildCreateSQL,
	})
}

// Repo implements storage.Repository with gorm over the MySQL driver.
//
// MySQL's ON DUPLICATE KEY UPDATE already skips writes that would not change
// the row, and reports them as 0 affected rows, so no explicit guard is needed.
// An insert counts 1 and a real update counts 2, as MySQL reports it.
type Repo struct {
	db *gorm.DB
}

// New opens a gorm handle for cfg.DSN (go-sql-driver DSN format).
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := gorm.Open(
		gormmysql.Open(cfg.DSN),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Error)},
	)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return fmt.Errorf("mysql: create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) UpsertRows(ctx context.Context, t storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}

	var total int64
	failedPage := -1
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, page := range storage.Pages(rows, t.EffectivePageSize(maxParams)) {
			n, err := upsertPage(tx, t, page)
			if err != nil {
				failedPage = i
				return err
			}
			total += n
			metrics.RecordPages(1)
		}
		return nil
	})
	if err != nil {
		return 0, &storage.WriteError{Table: t.Name, Page: failedPage, Err: err}
	}
	return total, nil
}

func upsertPage(tx *gorm.DB, t storage.TableSpec, page [][]any) (int64, error) {
	records, err := toRecords(t, page)
	if err != nil {
		return 0, err
	}
	res := tx.Table(t.Name).Clauses(onConflict(t)).Create(&records)
	return res.RowsAffected, res.Error
}

// onConflict renders as ON DUPLICATE KEY UPDATE c = VALUES(c), ... for every
// non-key column.
func onConflict(t storage.TableSpec) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: t.PrimaryKey}},
		DoUpdates: clause.AssignmentColumns(t.NonKeyColumns()),
	}
}

// toRecords turns positional rows into the column maps gorm creates from.
func toRecords(t storage.TableSpec, rows [][]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
		rec := make(map[string]any, len(row))
		for j, c := range t.Columns {
			v, err := mysqlValue(c.Type, row[j])
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			rec[c.Name] = v
		}
		out[i] = rec
	}
	return out, nil
}

func mysqlValue(typ storage.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if typ != storage.TypeJSON {
		return v, nil
	}
	switch t := v.(type) {
	case json.RawMessage:
		return datatypes.JSON(t), nil
	case []byte:
		return datatypes.JSON(t), nil
	case string:
		return datatypes.JSON(t), nil
	}
	return nil, fmt.Errorf("want JSON blob, got %T", v)
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, err := mysqlType(c.Type)
		if err != nil {
			return "", fmt.Errorf("mysql: column %s: %w", c.Name, err)
		}
		def := quoteIdent(c.Name) + " " + typ
		if c.Name == t.PrimaryKey {
			def += " NOT NULL PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) DEFAULT CHARSET=utf8mb4;", quoteTable(t.Name), strings.Join(defs, ", ")), nil
}

func mysqlType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeFloat:
		return "DOUBLE", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeUUID:
		return "CHAR(36)", nil
	case storage.TypeJSON:
		return "JSON", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

func quoteIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = quoteIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
