package spider

import (
	"fmt"
	"strconv"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// Record is one dictionary-shaped row as a connector returned it. Field
// names are resolved against the layer's column declaration at router
// setup, not per row.
type Record map[string]any

// Str returns the field as a string. Missing fields and nils yield "".
func (r Record) Str(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

// Strings returns the field's scalar values: one element for a scalar,
// one per element for a list, nil for a missing or nil field. Non-string
// scalars are stringified.
func (r Record) Strings(field string) []string {
	v, ok := r[field]
	if !ok || v == nil {
		return nil
	}
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return []string{r.Str(field)}
	}
}

// Has reports whether the record carries a non-nil value for the field.
func (r Record) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// coerceValue converts a raw record value to the declared column type.
// The second result is false when the value cannot be coerced; the caller
// substitutes null and logs a warning.
func coerceValue(v any, t store.ColumnType) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch t {
	case store.ColumnInteger:
		switch n := v.(type) {
		case int:
			return int64(n), true
		case int64:
			return n, true
		case float64:
			return int64(n), true
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, false
			}
			return parsed, true
		case bool:
			if n {
				return int64(1), true
			}
			return int64(0), true
		default:
			return nil, false
		}
	default: // Text
		switch s := v.(type) {
		case string:
			return s, true
		case fmt.Stringer:
			return s.String(), true
		case int, int64, float64, bool:
			return fmt.Sprintf("%v", s), true
		default:
			return nil, false
		}
	}
}

// numericValue reads an attribute as a float for weighting; missing and
// non-numeric values are 0.
func numericValue(attrs map[string]any, column string) float64 {
	v, ok := attrs[column]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
