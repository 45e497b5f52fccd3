package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FieldKey is the closed set of Source fields the sync engine understands.
type FieldKey string

const (
	FieldBasePrice         FieldKey = "base_price"
	FieldMSRP              FieldKey = "msrp"
	FieldVendorCost        FieldKey = "vendor_cost"
	FieldPriceLevel        FieldKey = "price_level"
	FieldLastPurchasePrice FieldKey = "last_purchase_price"
	FieldAverageCost       FieldKey = "average_cost"
)

// AllFieldKeys lists every recognized key.
var AllFieldKeys = []FieldKey{
	FieldBasePrice,
	FieldMSRP,
	FieldVendorCost,
	FieldPriceLevel,
	FieldLastPurchasePrice,
	FieldAverageCost,
}

func (k FieldKey) Valid() bool {
	for _, known := range AllFieldKeys {
		if k == known {
			return true
		}
	}
	return false
}

// ValueKind is the type of a field value.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindText   ValueKind = "text"
)

// FieldValue is a typed field value.
type FieldValue struct {
	Kind   ValueKind
	Number float64
	Text   string
}

func Number(v float64) FieldValue { return FieldValue{Kind: KindNumber, Number: v} }

func Text(s string) FieldValue { return FieldValue{Kind: KindText, Text: s} }

func (v FieldValue) Equal(other FieldValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	if v.Kind == KindNumber {
		return math.Abs(v.Number-other.Number) < 1e-9
	}
	return v.Text == other.Text
}

func (v FieldValue) String() string {
	if v.Kind == KindNumber {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.Text
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	if v.Kind == KindNumber {
		return json.Marshal(v.Number)
	}
	return json.Marshal(v.Text)
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case float64:
		*v = Number(t)
	case string:
		*v = Text(t)
	default:
		return fmt.Errorf("unsupported field value %s", string(data))
	}
	return nil
}

// ParseNumber converts a loosely typed JSON value into a float.
// Remote payloads send prices both as numbers and as strings.
func ParseNumber(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("empty number")
		}
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("unsupported number type %T", val)
	}
}

// ParseBool converts a loosely typed JSON value into a bool. Unknown values are false.
func ParseBool(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return strings.EqualFold(strings.TrimSpace(v), "T") || strings.EqualFold(strings.TrimSpace(v), "yes")
		}
		return b
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// FieldSet maps recognized keys to typed values.
type FieldSet map[FieldKey]FieldValue

// Keys returns the keys in stable order.
func (fs FieldSet) Keys() []FieldKey {
	keys := make([]FieldKey, 0, len(fs))
	for k := range fs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Filter returns the subset of fields for which keep returns true.
func (fs FieldSet) Filter(keep func(FieldKey) bool) FieldSet {
	out := make(FieldSet, len(fs))
	for k, v := range fs {
		if keep(k) {
			out[k] = v
		}
	}
	return out
}

func (fs FieldSet) Clone() FieldSet {
	return fs.Filter(func(FieldKey) bool { return true })
}
