package postgres

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"cardetl/internal/storage"
)

func testSpec(name string) storage.TableSpec {
	return storage.TableSpec{
		Name:       name,
		PrimaryKey: "id",
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeUUID},
			{Name: "name", Type: storage.TypeText},
			{Name: "released_at", Type: storage.TypeDate},
			{Name: "prices", Type: storage.TypeJSON},
		},
	}
}

const testID = "0000579f-7b35-4ed3-b44c-db2a538066fe"

func TestBuildCreateSQL_SchemaQualified(t *testing.T) {
	t.Parallel()

	schemaSQL, baseSQL, err := buildCreateSQL(testSpec("public.cards"))
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "public";` {
		t.Fatalf("schemaSQL=%q", schemaSQL)
	}
	want := `CREATE TABLE IF NOT EXISTS "public"."cards" ("id" UUID PRIMARY KEY, "name" TEXT, "released_at" DATE, "prices" JSONB);`
	if baseSQL != want {
		t.Fatalf("baseSQL=\n%s\nwant\n%s", baseSQL, want)
	}
}

func TestBuildCreateSQL_Unqualified(t *testing.T) {
	t.Parallel()

	schemaSQL, baseSQL, err := buildCreateSQL(testSpec("cards"))
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != "" {
		t.Fatalf("schemaSQL=%q, want empty", schemaSQL)
	}
	if !strings.HasPrefix(baseSQL, `CREATE TABLE IF NOT EXISTS "cards" (`) {
		t.Fatalf("baseSQL=%q", baseSQL)
	}

	ddl, err := storage.CreateTableSQL("postgres", testSpec("cards"))
	if err != nil {
		t.Fatalf("registered CreateTableSQL: %v", err)
	}
	if ddl != baseSQL {
		t.Fatalf("registered DDL differs: %q", ddl)
	}
}

func TestBuildUpsertSQL_PlaceholdersAndGuard(t *testing.T) {
	t.Parallel()

	day := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	rows := [][]any{
		{testID, "A", day, json.RawMessage(`{"usd":"0.10"}`)},
		{"44623693-51d6-49ad-8cd7-140505caf02f", nil, nil, nil},
	}

	sql, args, err := buildUpsertSQL(testSpec("cards"), rows)
	if err != nil {
		t.Fatalf("buildUpsertSQL: %v", err)
	}

	want := `INSERT INTO "cards" AS tgt ("id", "name", "released_at", "prices") VALUES ($1, $2, $3, $4), ($5, $6, $7, $8)` +
		` ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "released_at" = EXCLUDED."released_at", "prices" = EXCLUDED."prices"` +
		` WHERE (tgt."name", tgt."released_at", tgt."prices") IS DISTINCT FROM (EXCLUDED."name", EXCLUDED."released_at", EXCLUDED."prices");`
	if sql != want {
		t.Fatalf("sql=\n%s\nwant\n%s", sql, want)
	}
	if len(args) != 8 {
		t.Fatalf("args=%d, want 8", len(args))
	}
	if _, ok := args[0].(uuid.UUID); !ok {
		t.Fatalf("args[0]=%T, want uuid.UUID", args[0])
	}
	if string(args[3].(json.RawMessage)) != `{"usd":"0.10"}` {
		t.Fatalf("args[3]=%v", args[3])
	}
	if args[5] != nil || args[7] != nil {
		t.Fatalf("nil values must stay nil: %v", args)
	}
}

func TestBuildUpsertSQL_RejectsBadRows(t *testing.T) {
	t.Parallel()

	if _, _, err := buildUpsertSQL(testSpec("cards"), [][]any{{testID, "short"}}); err == nil {
		t.Fatalf("expected error for short row")
	}
	if _, _, err := buildUpsertSQL(testSpec("cards"), [][]any{{"not-a-uuid", nil, nil, nil}}); err == nil {
		t.Fatalf("expected error for invalid uuid")
	}
	if _, _, err := buildUpsertSQL(testSpec("cards"), [][]any{{testID, nil, "2020-01-02", nil}}); err == nil {
		t.Fatalf("expected error for non-time date value")
	}
}

func TestPageSizeStaysUnderParamLimit(t *testing.T) {
	t.Parallel()

	cols := make([]storage.ColumnSpec, 68)
	for i := range cols {
		cols[i] = storage.ColumnSpec{Name: "c" + string(rune('a'+i%26)) + string(rune('a'+i/26)), Type: storage.TypeText}
	}
	spec := storage.TableSpec{Name: "cards", PrimaryKey: cols[0].Name, Columns: cols, PageSize: 1000}
	n := spec.EffectivePageSize(maxParams)
	if n*len(cols) > maxParams {
		t.Fatalf("page of %d rows x %d cols exceeds %d params", n, len(cols), maxParams)
	}
	if n != maxParams/68 {
		t.Fatalf("page size=%d, want %d", n, maxParams/68)
	}
}

func TestPgIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("pgIdent=%s", got)
	}
	if got := pgTableIdent("cards"); got != `"cards"` {
		t.Fatalf("pgTableIdent=%s", got)
	}
}
