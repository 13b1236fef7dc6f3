package cards

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"cardetl/internal/storage"
)

// Transformer maps one decoded card object to a row aligned with Columns.
//
// A Transformer is not safe for concurrent use; it keeps a degradation count.
type Transformer struct {
	primaryKey string
	keyIdx     int

	// OnDegrade, when set, receives every field-level degradation.
	OnDegrade func(Degradation)

	degradations int
}

// NewTransformer returns a Transformer that rejects records without a valid
// primaryKey value.
func NewTransformer(primaryKey string) (*Transformer, error) {
	if !ValidKey(primaryKey) {
		return nil, fmt.Errorf("cards: unsupported primary key %q", primaryKey)
	}
	return &Transformer{primaryKey: primaryKey, keyIdx: Index(primaryKey)}, nil
}

// Degradations returns how many field degradations have been reported so far.
func (t *Transformer) Degradations() int { return t.degradations }

// Transform builds the row for card. line is the element position used in
// degradations and reject errors.
//
// Missing fields are nil. Fields with the wrong shape for their column are nil
// and reported through OnDegrade. A missing or invalid primary key returns a
// *RejectError wrapping ErrMissingKey.
func (t *Transformer) Transform(line int, card map[string]any) ([]any, error) {
	row := make([]any, len(Columns))

	for i, col := range Columns {
		raw, ok := card[col.Name]
		if col.Name == "image_uris" {
			raw, ok = faceImages(card)
		}
		if !ok || raw == nil {
			continue
		}

		v, err := coerce(col, raw)
		if err != nil {
			if i == t.keyIdx {
				return nil, &RejectError{Line: line, Column: col.Name, Err: fmt.Errorf("%w: %v", ErrMissingKey, err)}
			}
			t.degrade(Degradation{Line: line, Column: col.Name, Err: err})
			continue
		}
		row[i] = v
	}

	if row[t.keyIdx] == nil {
		return nil, &RejectError{Line: line, Column: t.primaryKey, Err: ErrMissingKey}
	}
	return row, nil
}

func (t *Transformer) degrade(d Degradation) {
	t.degradations++
	if t.OnDegrade != nil {
		t.OnDegrade(d)
	}
}

// faceImages returns the image_uris value for card. Multi-faced cards
// without top-level images get the ordered list of each face's image_uris;
// if no face has any, the field stays unset.
func faceImages(card map[string]any) (any, bool) {
	top, ok := card["image_uris"]
	if !isEmpty(top) {
		return top, ok
	}
	faces, isList := card["card_faces"].([]any)
	if !isList {
		return top, ok
	}

	var images []any
	for _, f := range faces {
		face, isObj := f.(map[string]any)
		if !isObj {
			continue
		}
		if img, has := face["image_uris"]; has && img != nil {
			images = append(images, img)
		}
	}
	if len(images) == 0 {
		return top, ok
	}
	return images, true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}

func coerce(col storage.ColumnSpec, raw any) (any, error) {
	switch col.Type {
	case storage.TypeJSON:
		n, err := NormalizeNumbers(raw)
		if err != nil {
			return nil, err
		}
		return EncodeBlob(n)

	case storage.TypeText:
		s, ok := raw.(string)
		if !ok {
			return nil, typeError("string", raw)
		}
		return norm.NFC.String(s), nil

	case storage.TypeInt:
		num, ok := raw.(json.Number)
		if !ok {
			return nil, typeError("integer", raw)
		}
		if i, err := num.Int64(); err == nil {
			return i, nil
		}
		f, err := num.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
			return nil, fmt.Errorf("not an integer: %s", num.String())
		}
		return int64(f), nil

	case storage.TypeFloat:
		num, ok := raw.(json.Number)
		if !ok {
			return nil, typeError("number", raw)
		}
		f, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", num.String(), err)
		}
		return f, nil

	case storage.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, typeError("boolean", raw)
		}
		return b, nil

	case storage.TypeUUID:
		s, ok := raw.(string)
		if !ok {
			return nil, typeError("uuid string", raw)
		}
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("uuid %q: %w", s, err)
		}
		return id.String(), nil

	case storage.TypeDate:
		s, ok := raw.(string)
		if !ok {
			return nil, typeError("date string", raw)
		}
		return ParseDate(s)
	}
	return nil, errors.New("unknown column type " + string(col.Type))
}

func typeError(want string, got any) error {
	return fmt.Errorf("want %s, got %T", want, got)
}
