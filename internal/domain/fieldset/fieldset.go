// Package fieldset models the flat field-name to value mapping recognized from a document.
package fieldset

import (
	"encoding/json"
	"maps"
	"strconv"
	"strings"
)

// FieldSet maps field names to values. An absent key and an empty value both mean "unknown".
type FieldSet map[string]string

// Clone returns an independent copy. A nil set clones to an empty one.
func (f FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(f))
	maps.Copy(out, f)
	return out
}

// MergeInto overwrites every key of in onto dst, including explicit empty values.
// Keys absent from in are left untouched. dst must be non-nil.
func MergeInto(dst, in FieldSet) {
	for k, v := range in {
		dst[k] = v
	}
}

// Merge returns a new set holding existing overlaid with incoming.
func Merge(existing, incoming FieldSet) FieldSet {
	out := existing.Clone()
	MergeInto(out, incoming)
	return out
}

// FromValues flattens decoded JSON values into a FieldSet.
// Strings are kept, numbers use their shortest decimal form, booleans become
// "true"/"false", null becomes "", scalar arrays are newline-joined and any
// other composite is kept as compact JSON.
func FromValues(raw map[string]any) FieldSet {
	out := make(FieldSet, len(raw))
	for k, v := range raw {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				return compact(t)
			}
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, "\n")
	default:
		return compact(t)
	}
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
