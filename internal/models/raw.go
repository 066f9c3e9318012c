package models

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RawRecord is a single untyped record as returned by the remote source.
// Field presence varies between records; the accessors below absorb that.
type RawRecord map[string]any

// Str returns the value under key rendered as a trimmed string. Numeric values
// are formatted without a fractional part when they are whole, matching how the
// source mixes string and numeric identifiers.
func (r RawRecord) Str(key string) string {
	return stringify(r[key])
}

// NestedStr resolves a value under a nested object, e.g. orgaoEntidade.razaoSocial.
func (r RawRecord) NestedStr(key, sub string) string {
	nested, ok := r[key].(map[string]any)
	if !ok {
		return ""
	}
	return stringify(nested[sub])
}

// Decimal parses the value under key as a decimal. The source sends estimated
// values both as JSON numbers and as strings.
func (r RawRecord) Decimal(key string) (decimal.Decimal, bool) {
	switch v := r[key].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(trimmed)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// Has reports whether key is present with a non-empty value.
func (r RawRecord) Has(key string) bool {
	v, ok := r[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Payload serializes the record verbatim for audit storage.
func (r RawRecord) Payload() string {
	data, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
