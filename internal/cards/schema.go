// Package cards turns Scryfall card objects into positional rows for the
// cards table.
//
// Columns is the only definition of the table: row order, DDL, the insert
// column list and the update/no-op clauses are all derived from it.
package cards

import (
	"fmt"

	"cardetl/internal/storage"
)

// Primary-key choices. KeyID keys the table per printing (a card reprinted in
// five sets is five rows). KeyOracleID keys it per oracle card (printings
// overwrite each other, the last one in the file wins).
const (
	KeyID       = "id"
	KeyOracleID = "oracle_id"
)

// ReleasedAt is the one column with date parsing semantics.
const ReleasedAt = "released_at"

// Columns is the fixed, ordered column set of the cards table.
var Columns = []storage.ColumnSpec{
	{Name: "oracle_id", Type: storage.TypeUUID},
	{Name: "id", Type: storage.TypeUUID},
	{Name: "object", Type: storage.TypeText},
	{Name: "multiverse_ids", Type: storage.TypeJSON},
	{Name: "mtgo_id", Type: storage.TypeInt},
	{Name: "tcgplayer_id", Type: storage.TypeInt},
	{Name: "cardmarket_id", Type: storage.TypeInt},
	{Name: "name", Type: storage.TypeText},
	{Name: "lang", Type: storage.TypeText},
	{Name: ReleasedAt, Type: storage.TypeDate},
	{Name: "uri", Type: storage.TypeText},
	{Name: "scryfall_uri", Type: storage.TypeText},
	{Name: "layout", Type: storage.TypeText},
	{Name: "highres_image", Type: storage.TypeBool},
	{Name: "image_status", Type: storage.TypeText},
	{Name: "image_uris", Type: storage.TypeJSON},
	{Name: "mana_cost", Type: storage.TypeText},
	{Name: "cmc", Type: storage.TypeFloat},
	{Name: "type_line", Type: storage.TypeText},
	{Name: "oracle_text", Type: storage.TypeText},
	{Name: "power", Type: storage.TypeText},
	{Name: "toughness", Type: storage.TypeText},
	{Name: "colors", Type: storage.TypeJSON},
	{Name: "color_identity", Type: storage.TypeJSON},
	{Name: "keywords", Type: storage.TypeJSON},
	{Name: "legalities", Type: storage.TypeJSON},
	{Name: "games", Type: storage.TypeJSON},
	{Name: "reserved", Type: storage.TypeBool},
	{Name: "game_changer", Type: storage.TypeBool},
	{Name: "foil", Type: storage.TypeBool},
	{Name: "nonfoil", Type: storage.TypeBool},
	{Name: "finishes", Type: storage.TypeJSON},
	{Name: "oversized", Type: storage.TypeBool},
	{Name: "promo", Type: storage.TypeBool},
	{Name: "reprint", Type: storage.TypeBool},
	{Name: "variation", Type: storage.TypeBool},
	{Name: "set_id", Type: storage.TypeUUID},
	{Name: "set", Type: storage.TypeText},
	{Name: "set_name", Type: storage.TypeText},
	{Name: "set_type", Type: storage.TypeText},
	{Name: "set_uri", Type: storage.TypeText},
	{Name: "set_search_uri", Type: storage.TypeText},
	{Name: "scryfall_set_uri", Type: storage.TypeText},
	{Name: "rulings_uri", Type: storage.TypeText},
	{Name: "prints_search_uri", Type: storage.TypeText},
	{Name: "collector_number", Type: storage.TypeText},
	{Name: "digital", Type: storage.TypeBool},
	{Name: "rarity", Type: storage.TypeText},
	{Name: "watermark", Type: storage.TypeText},
	{Name: "flavor_text", Type: storage.TypeText},
	{Name: "card_back_id", Type: storage.TypeUUID},
	{Name: "artist", Type: storage.TypeText},
	{Name: "artist_ids", Type: storage.TypeJSON},
	{Name: "illustration_id", Type: storage.TypeUUID},
	{Name: "border_color", Type: storage.TypeText},
	{Name: "frame", Type: storage.TypeText},
	{Name: "frame_effects", Type: storage.TypeJSON},
	{Name: "security_stamp", Type: storage.TypeText},
	{Name: "full_art", Type: storage.TypeBool},
	{Name: "textless", Type: storage.TypeBool},
	{Name: "booster", Type: storage.TypeBool},
	{Name: "story_spotlight", Type: storage.TypeBool},
	{Name: "edhrec_rank", Type: storage.TypeInt},
	{Name: "preview", Type: storage.TypeJSON},
	{Name: "prices", Type: storage.TypeJSON},
	{Name: "related_uris", Type: storage.TypeJSON},
	{Name: "purchase_uris", Type: storage.TypeJSON},
	{Name: "card_faces", Type: storage.TypeJSON},
}

// ColumnNames returns the column names in row order.
func ColumnNames() []string {
	out := make([]string, len(Columns))
	for i, c := range Columns {
		out[i] = c.Name
	}
	return out
}

// Index returns the row position of column name, or -1.
func Index(name string) int {
	for i, c := range Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ValidKey reports whether key is a supported primary-key column.
func ValidKey(key string) bool {
	return key == KeyID || key == KeyOracleID
}

// TableSpec binds Columns to a table name, primary key and page size.
func TableSpec(table, primaryKey string, pageSize int) (storage.TableSpec, error) {
	if !ValidKey(primaryKey) {
		return storage.TableSpec{}, fmt.Errorf("cards: unsupported primary key %q (want %q or %q)", primaryKey, KeyID, KeyOracleID)
	}
	cols := make([]storage.ColumnSpec, len(Columns))
	copy(cols, Columns)

	t := storage.TableSpec{
		Name:       table,
		PrimaryKey: primaryKey,
		Columns:    cols,
		PageSize:   pageSize,
	}
	if err := t.Validate(); err != nil {
		return storage.TableSpec{}, err
	}
	return t, nil
}
