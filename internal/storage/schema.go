// Package storage is the backend-agnostic write side of the import: table
// description, registry, paging and dedupe. Backends live in subpackages and
// register themselves from init.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnType is the logical type of a column. Backends map it to their own
// SQL types and value encodings.
type ColumnType string

const (
	TypeText  ColumnType = "text"
	TypeInt   ColumnType = "int"
	TypeFloat ColumnType = "float"
	TypeBool  ColumnType = "bool"
	TypeDate  ColumnType = "date"
	TypeUUID  ColumnType = "uuid"
	// TypeJSON columns carry json.RawMessage values.
	TypeJSON ColumnType = "json"
)

// DefaultPageSize is the number of rows per round trip when TableSpec.PageSize is unset.
const DefaultPageSize = 1000

type ColumnSpec struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TableSpec describes the destination table. Row values handed to a
// Repository are positional and aligned with Columns.
type TableSpec struct {
	Name       string       `json:"name"`
	PrimaryKey string       `json:"primary_key"`
	Columns    []ColumnSpec `json:"columns"`
	PageSize   int          `json:"page_size"`
}

// Validate checks the invariants every backend relies on.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || c.Type == "" {
			return fmt.Errorf("storage: table %s: column name/type must be set", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	if !seen[t.PrimaryKey] {
		return fmt.Errorf("storage: table %s: primary key %q is not a column", t.Name, t.PrimaryKey)
	}
	if len(t.Columns) < 2 {
		return fmt.Errorf("storage: table %s: need at least one non-key column", t.Name)
	}
	return nil
}

// ColumnNames returns the column names in row order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// NonKeyColumns returns every column except the primary key, in row order.
func (t TableSpec) NonKeyColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name != t.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

// KeyIndex returns the position of the primary key in a row, or -1.
func (t TableSpec) KeyIndex() int {
	for i, c := range t.Columns {
		if c.Name == t.PrimaryKey {
			return i
		}
	}
	return -1
}

// EffectivePageSize returns the rows per statement: PageSize (or
// DefaultPageSize), clamped so that rows*columns stays within maxParams.
func (t TableSpec) EffectivePageSize(maxParams int) int {
	n := t.PageSize
	if n <= 0 {
		n = DefaultPageSize
	}
	if len(t.Columns) > 0 && maxParams > 0 {
		if limit := maxParams / len(t.Columns); limit < n {
			n = limit
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Pages splits rows into consecutive slices of at most size rows.
func Pages(rows [][]any, size int) [][][]any {
	if size <= 0 {
		size = DefaultPageSize
	}
	out := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
