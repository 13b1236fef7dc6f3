package mysql

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cardetl/internal/storage"
)

func testSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:       "cards",
		PrimaryKey: "id",
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeUUID},
			{Name: "name", Type: storage.TypeText},
			{Name: "released_at", Type: storage.TypeDate},
			{Name: "prices", Type: storage.TypeJSON},
		},
	}
}

// dryRunDB builds statements without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(
		gormmysql.New(gormmysql.Config{
			DSN:                       "cardetl:secret@tcp(127.0.0.1:3306)/cards?parseTime=true",
			SkipInitializeWithVersion: true,
		}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true, Logger: logger.Discard},
	)
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return db
}

func TestUpsertStatement_OnDuplicateKeyUpdate(t *testing.T) {
	spec := testSpec()
	day := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	records, err := toRecords(spec, [][]any{
		{"a", "A", day, json.RawMessage(`{"usd":"1.00"}`)},
		{"b", nil, nil, nil},
	})
	if err != nil {
		t.Fatalf("toRecords: %v", err)
	}

	stmt := dryRunDB(t).Table(spec.Name).Clauses(onConflict(spec)).Create(&records).Statement
	sql := stmt.SQL.String()

	if !strings.HasPrefix(sql, "INSERT INTO `cards`") {
		t.Fatalf("sql=%s", sql)
	}
	if !strings.Contains(sql, "ON DUPLICATE KEY UPDATE") {
		t.Fatalf("sql missing ON DUPLICATE KEY UPDATE: %s", sql)
	}
	for _, c := range spec.NonKeyColumns() {
		if !strings.Contains(sql, "`"+c+"`=") {
			t.Fatalf("sql does not update %s: %s", c, sql)
		}
	}
	if strings.Contains(sql, "`id`=") {
		t.Fatalf("sql updates the primary key: %s", sql)
	}
	if len(stmt.Vars) != 8 {
		t.Fatalf("vars=%d, want 8", len(stmt.Vars))
	}
}

func TestToRecords_ConvertsJSON(t *testing.T) {
	spec := testSpec()
	recs, err := toRecords(spec, [][]any{{"a", "A", nil, json.RawMessage(`[1]`)}})
	if err != nil {
		t.Fatalf("toRecords: %v", err)
	}
	if got, ok := recs[0]["prices"].(datatypes.JSON); !ok || string(got) != "[1]" {
		t.Fatalf("prices=%#v, want datatypes.JSON", recs[0]["prices"])
	}
	if recs[0]["released_at"] != nil {
		t.Fatalf("released_at=%v, want nil", recs[0]["released_at"])
	}

	if _, err := toRecords(spec, [][]any{{"a"}}); err == nil {
		t.Fatalf("expected error for short row")
	}
	if _, err := toRecords(spec, [][]any{{"a", "A", nil, 12}}); err == nil {
		t.Fatalf("expected error for non-blob JSON value")
	}
}

func TestBuildCreateSQL(t *testing.T) {
	ddl, err := buildCreateSQL(testSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "CREATE TABLE IF NOT EXISTS `cards` (`id` CHAR(36) NOT NULL PRIMARY KEY, `name` TEXT, `released_at` DATE, `prices` JSON) DEFAULT CHARSET=utf8mb4;"
	if ddl != want {
		t.Fatalf("ddl=\n%s\nwant\n%s", ddl, want)
	}

	viaRegistry, err := storage.CreateTableSQL("mysql", testSpec())
	if err != nil || viaRegistry != ddl {
		t.Fatalf("registry ddl=%q err=%v", viaRegistry, err)
	}
}
