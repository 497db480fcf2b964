// Package dyn provides typed accessors over free-form JSON trees.
//
// Job definitions and Network result blobs are produced by external systems
// and carry no fixed schema; they are decoded into plain any values
// (map[string]any / []any / string / float64 / bool / nil) and inspected
// with the helpers here at the call sites that need specific fields.
package dyn

import "encoding/json"

// Get walks a path of string keys and int indexes into a decoded JSON tree.
// It returns the value at the path and whether the full path resolved.
func Get(v any, path ...any) (any, bool) {
	cur := v
	for _, step := range path {
		switch key := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[key]
			if !ok {
				return nil, false
			}
		case int:
			s, ok := cur.([]any)
			if !ok || key < 0 || key >= len(s) {
				return nil, false
			}
			cur = s[key]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String resolves a path to a string value.
func String(v any, path ...any) (string, bool) {
	got, ok := Get(v, path...)
	if !ok {
		return "", false
	}
	s, ok := got.(string)
	return s, ok
}

// Number resolves a path to a float64 value.
func Number(v any, path ...any) (float64, bool) {
	got, ok := Get(v, path...)
	if !ok {
		return 0, false
	}
	switch n := got.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Slice resolves a path to a []any value.
func Slice(v any, path ...any) ([]any, bool) {
	got, ok := Get(v, path...)
	if !ok {
		return nil, false
	}
	s, ok := got.([]any)
	return s, ok
}

// Map resolves a path to a map[string]any value.
func Map(v any, path ...any) (map[string]any, bool) {
	got, ok := Get(v, path...)
	if !ok {
		return nil, false
	}
	m, ok := got.(map[string]any)
	return m, ok
}

// Stringify renders any value as compact JSON, falling back to the raw
// string for scalar strings. Used when log payloads must be forwarded
// verbatim.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
