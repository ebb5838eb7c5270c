package probe

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Payloads and params arrive as decoded JSON or YAML, so numbers may be any of
// the Go numeric types and lists may be []any. These helpers read them back.

// Float reads a numeric value.
func Float(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat converts a decoded numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int reads an integral value. Fractional numbers are truncated.
func Int(m map[string]any, key string) (int, bool) {
	f, ok := Float(m, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String reads a string value.
func String(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Bool reads a boolean value. The strings "true" and "false" are accepted.
func Bool(m map[string]any, key string) (bool, bool) {
	switch b := m[key].(type) {
	case bool:
		return b, true
	case string:
		v, err := strconv.ParseBool(b)
		return v, err == nil
	default:
		return false, false
	}
}

// Strings reads a list of strings.
func Strings(m map[string]any, key string) ([]string, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected list of strings, got %T", key, v)
	}
}

// StringMap reads a string-to-string map.
func StringMap(m map[string]any, key string) (map[string]string, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			switch s := item.(type) {
			case string:
				out[k] = s
			case nil:
				out[k] = ""
			default:
				out[k] = fmt.Sprint(s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected map of strings, got %T", key, v)
	}
}
