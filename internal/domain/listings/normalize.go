package listings

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/casafeed/server/internal/sanitize"
)

// ErrMissingID is returned by Normalize for items without a usable id.
var ErrMissingID = errors.New("item has no id")

// Item is one scraped record as decoded from the dataset JSON.
type Item map[string]any

// ID returns the item's id as a string, or "" when it has none.
func (it Item) ID() string {
	return idString(it["id"])
}

// Normalize maps a scraped item onto the canonical Listing shape. Every field
// other than the id is optional: absent, null or mistyped values become nil.
// Provenance fields are left zero; the store assigns them.
func Normalize(item Item) (Listing, error) {
	id := item.ID()
	if id == "" {
		return Listing{}, ErrMissingID
	}

	return Listing{
		ID:       id,
		Title:    sanitize.OptionalText(stringField(item, "title")),
		City:     sanitize.OptionalText(stringField(item, "city")),
		Province: sanitize.OptionalText(stringField(item, "province")),
		Price:    priceField(item["price"]),
		URL:      urlField(item["url"]),
		Raw:      rawField(item["raw"]),
	}, nil
}

func idString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func stringField(item Item, key string) string {
	switch v := item[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// priceField accepts {"raw": n}, a bare number or a numeric string.
func priceField(value any) *float64 {
	if obj, ok := value.(map[string]any); ok {
		value = obj["raw"]
	}

	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func urlField(value any) *string {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func rawField(value any) json.RawMessage {
	if value == nil {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return encoded
}
