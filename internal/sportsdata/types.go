package sportsdata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Payload is the generic shape of upstream documents. The sportsbook feed is
// schemaless at the edges (entities arrive as nested JSON objects whose keys
// are numeric ids), so the hub works on decoded maps and extracts typed views
// only where it needs them.
type Payload = map[string]any

// AsMap returns v as a Payload, or nil when it is not an object.
func AsMap(v any) Payload {
	m, _ := v.(map[string]any)
	return m
}

// AsSlice returns v as a []any, or nil.
func AsSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// Str extracts a string field. Numeric values are formatted, which matters
// because the feed is inconsistent about id types (sometimes "123", sometimes 123).
func Str(m Payload, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return trimFloat(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Num extracts a numeric field; strings that parse as numbers are accepted.
func Num(m Payload, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int extracts an integer field with the same coercions as Num.
func Int(m Payload, key string) (int64, bool) {
	f, ok := Num(m, key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Bool extracts a boolean; numeric 0/1 and "true"/"false" are accepted.
func Bool(m Payload, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	switch v := m[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

// trimFloat renders a float the way the feed's ids are written: integers
// without a fractional part, everything else with minimal digits.
func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatNumber is trimFloat exported for payload builders.
func FormatNumber(f float64) string {
	return trimFloat(f)
}

// Clone deep-copies a payload. Delta merging mutates accumulated state in
// place, so any document shared across goroutines must be detached first.
func Clone(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// sortedKeys returns map keys in lexical order so iteration is deterministic.
func sortedKeys(m Payload) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
