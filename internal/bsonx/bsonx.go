// Package bsonx holds helpers for working with loosely typed BSON-shaped values
// (bson.M, bson.D, bson.A and their plain Go equivalents produced by YAML or JSON decoding).
package bsonx

import (
	"reflect"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// AsMap views v as a document. bson.D is converted (later duplicates win).
func AsMap(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		out := make(bson.M, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

// AsSlice views v as an array.
func AsSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case bson.A:
		return []any(s), true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []bson.M:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []bson.D:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	case []float32:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	default:
		return nil, false
	}
}

// AsString returns v as a string when it is one.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// ToFloat64 converts the numeric kinds BSON and YAML decoding produce.
func ToFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// ToInt converts v to an int when it holds an integral number.
func ToInt(value any) (int, bool) {
	f, ok := ToFloat64(value)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// Normalize returns a canonical representation of v: documents become map[string]any,
// arrays become []any and every number becomes float64. bson.D key order is dropped.
func Normalize(v any) any {
	if m, ok := AsMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = Normalize(val)
		}
		return out
	}
	if s, ok := AsSlice(v); ok {
		out := make([]any, len(s))
		for i := range s {
			out[i] = Normalize(s[i])
		}
		return out
	}
	if f, ok := ToFloat64(v); ok {
		return f
	}
	return v
}

// Equal compares two values after normalization.
func Equal(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Subset reports whether every field declared in want is present in got with an equal value.
// Documents recurse; arrays must match element-wise with subset semantics per element.
func Subset(want, got any) bool {
	return subset(Normalize(want), Normalize(got))
}

func subset(want, got any) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !subset(wv, gv) {
				return false
			}
		}
		return true
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !subset(w[i], g[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(want, got)
	}
}

// Clone returns a shallow copy of m. A nil map yields an empty one.
func Clone(m bson.M) bson.M {
	out := make(bson.M, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DeepClone copies nested documents and arrays so the result can be mutated freely.
func DeepClone(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = DeepClone(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepClone(val)
		}
		return out
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: DeepClone(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i := range t {
			out[i] = DeepClone(t[i])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = DeepClone(t[i])
		}
		return out
	case []bson.M:
		out := make([]bson.M, len(t))
		for i := range t {
			out[i], _ = DeepClone(t[i]).(bson.M)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SingleKey returns the only key of a one-entry document (pipeline stages, operators).
func SingleKey(v any) (string, any, bool) {
	if d, ok := v.(bson.D); ok {
		if len(d) != 1 {
			return "", nil, false
		}
		return d[0].Key, d[0].Value, true
	}
	m, ok := AsMap(v)
	if !ok || len(m) != 1 {
		return "", nil, false
	}
	for k, val := range m {
		return k, val, true
	}
	return "", nil, false
}
