package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cardetl/internal/storage"
)

func testSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:       "cards",
		PrimaryKey: "id",
		PageSize:   2,
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeUUID},
			{Name: "name", Type: storage.TypeText},
			{Name: "cmc", Type: storage.TypeFloat},
			{Name: "mtgo_id", Type: storage.TypeInt},
			{Name: "reserved", Type: storage.TypeBool},
			{Name: "released_at", Type: storage.TypeDate},
			{Name: "prices", Type: storage.TypeJSON},
		},
	}
}

func testRows() [][]any {
	day := time.Date(1993, 8, 5, 0, 0, 0, 0, time.UTC)
	return [][]any{
		{"00000000-0000-0000-0000-000000000001", "Black Lotus", 0.0, int64(1), true, day, json.RawMessage(`{"usd":"1.00"}`)},
		{"00000000-0000-0000-0000-000000000002", "Mox Pearl", 0.0, nil, true, day, nil},
		{"00000000-0000-0000-0000-000000000003", "Shock", 1.0, int64(3), false, nil, json.RawMessage(`[1,2.5]`)},
	}
}

func openTestRepo(t *testing.T) storage.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "cards.db")})
	if err != nil {
		t.Fatalf("storage.New(sqlite): %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureTable(ctx, testSpec()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	// Idempotent.
	if err := repo.EnsureTable(ctx, testSpec()); err != nil {
		t.Fatalf("EnsureTable (second): %v", err)
	}
	return repo
}

func TestUpsertRows_SecondRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	n, err := repo.UpsertRows(ctx, testSpec(), testRows())
	if err != nil {
		t.Fatalf("UpsertRows (first): %v", err)
	}
	if n != 3 {
		t.Fatalf("first run affected=%d, want 3", n)
	}

	n, err = repo.UpsertRows(ctx, testSpec(), testRows())
	if err != nil {
		t.Fatalf("UpsertRows (second): %v", err)
	}
	if n != 0 {
		t.Fatalf("second run affected=%d, want 0", n)
	}

	changed := testRows()
	changed[1][6] = json.RawMessage(`{"usd":"9000.00"}`)
	n, err = repo.UpsertRows(ctx, testSpec(), changed)
	if err != nil {
		t.Fatalf("UpsertRows (changed): %v", err)
	}
	if n != 1 {
		t.Fatalf("changed run affected=%d, want 1", n)
	}

	db := repo.(*Repo).db
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "cards"`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("rows=%d, want 3 (no duplicates)", count)
	}

	var prices, released string
	if err := db.QueryRowContext(ctx, `SELECT "prices", "released_at" FROM "cards" WHERE "id" = ?`,
		"00000000-0000-0000-0000-000000000002").Scan(&prices, &released); err != nil {
		t.Fatalf("select: %v", err)
	}
	if prices != `{"usd":"9000.00"}` {
		t.Fatalf("prices=%s", prices)
	}
	got, err := parseSQLiteDate(released)
	if err != nil || !got.Equal(time.Date(1993, 8, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("released_at=%q (%v)", released, err)
	}
}

func TestUpsertRows_NullToValueIsAChange(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	rows := testRows()
	if _, err := repo.UpsertRows(ctx, testSpec(), rows); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}
	rows[1][3] = int64(42) // mtgo_id was NULL
	n, err := repo.UpsertRows(ctx, testSpec(), rows)
	if err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}
	if n != 1 {
		t.Fatalf("affected=%d, want 1", n)
	}
}

func TestUpsertRows_FailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	rows := testRows()
	rows[2] = rows[2][:3] // short row on the second page

	_, err := repo.UpsertRows(ctx, testSpec(), rows)
	var we *storage.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("err=%v, want *storage.WriteError", err)
	}
	if we.Page != 1 {
		t.Fatalf("failed page=%d, want 1", we.Page)
	}

	var count int
	if err := repo.(*Repo).db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "cards"`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rows=%d after failed upsert, want 0", count)
	}
}

func TestBuildUpsertSQL_Shape(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "cards",
		PrimaryKey: "id",
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeUUID},
			{Name: "name", Type: storage.TypeText},
			{Name: "reserved", Type: storage.TypeBool},
		},
	}
	sql, args, err := buildUpsertSQL(spec, [][]any{{"a", "A", true}, {"b", nil, false}})
	if err != nil {
		t.Fatalf("buildUpsertSQL: %v", err)
	}
	want := `INSERT INTO "cards" ("id", "name", "reserved") VALUES (?, ?, ?), (?, ?, ?)` +
		` ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name", "reserved" = excluded."reserved"` +
		` WHERE "cards"."name" IS NOT excluded."name" OR "cards"."reserved" IS NOT excluded."reserved";`
	if sql != want {
		t.Fatalf("sql=\n%s\nwant\n%s", sql, want)
	}
	if len(args) != 6 || args[2] != int64(1) || args[5] != int64(0) || args[4] != nil {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateTableSQL(testSpec())
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "cards"`,
		`"id" TEXT PRIMARY KEY NOT NULL`,
		`"cmc" REAL`,
		`"reserved" INTEGER`,
		`"prices" TEXT`,
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q:\n%s", want, ddl)
		}
	}
}

func TestParseSQLiteDate_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "date", in: "2026-01-27", want: "2026-01-27"},
		{name: "rfc3339", in: "2026-01-27T12:17:08Z", want: "2026-01-27"},
		{name: "sqlite_space_tz", in: "2026-01-27 12:17:08+00:00", want: "2026-01-27"},
		{name: "sqlite_no_tz", in: "2026-01-27 12:17:08", want: "2026-01-27"},
		{name: "invalid", in: "not-a-date", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSQLiteDate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSQLiteDate(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if s := formatSQLiteDate(got); s != tt.want {
				t.Fatalf("parseSQLiteDate(%q)=%s, want %s", tt.in, s, tt.want)
			}
		})
	}
}
