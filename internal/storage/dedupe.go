package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory dedupe maps.
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps dedupe consistent whatever the transformer produced.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.ToLower(strings.TrimSpace(string(t)))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	}
}

// DedupeLastByKey collapses rows that share the value at keyIdx, keeping the
// LAST occurrence at the position of the first one. The surviving order is
// otherwise the input order.
//
// A single conflict-aware statement cannot touch the same target row twice
// (Postgres rejects it, MERGE rejects it), and sequential semantics say the
// later record wins, so the later values replace the earlier ones.
//
// Returns the deduplicated rows and how many rows were dropped.
func DedupeLastByKey(rows [][]any, keyIdx int) ([][]any, int, error) {
	if len(rows) == 0 {
		return rows, 0, nil
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for i, row := range rows {
		if keyIdx < 0 || keyIdx >= len(row) {
			return nil, 0, fmt.Errorf("storage: row %d has no key column at index %d", i, keyIdx)
		}
		k := NormalizeKey(row[keyIdx])
		if at, ok := pos[k]; ok {
			out[at] = row
			continue
		}
		pos[k] = len(out)
		out = append(out, row)
	}
	return out, len(rows) - len(out), nil
}
