package config

import (
	"fmt"
	"time"
)

// Values decoded from YAML arrive as the decoder's native types. These helpers accept the
// shapes a hand-edited file produces and report anything else.

func stringValue(data map[string]any, key string) (string, bool, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("%s: expected a string, got %T", key, v)
	}
	return s, true, nil
}

func intValue(data map[string]any, key string) (int, bool, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case uint64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, false, fmt.Errorf("%s: expected a whole number, got %v", key, n)
		}
		return int(n), true, nil
	default:
		return 0, false, fmt.Errorf("%s: expected a number, got %T", key, v)
	}
}

func boolValue(data map[string]any, key string) (bool, bool, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, false, fmt.Errorf("%s: expected true or false, got %T", key, v)
	}
	return b, true, nil
}

// durationValue accepts Go duration strings ("45s") or whole seconds.
func durationValue(data map[string]any, key string) (time.Duration, bool, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	}
	n, _, err := intValue(data, key)
	if err != nil {
		return 0, false, fmt.Errorf("%s: expected a duration such as \"30s\", got %T", key, v)
	}
	return time.Duration(n) * time.Second, true, nil
}

func stringsValue(data map[string]any, key string) ([]string, bool, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false, fmt.Errorf("%s[%d]: expected a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("%s: expected a list, got %T", key, v)
	}
}
