package cluster

import (
	"fmt"
	"strconv"
)

// Metadata is the per-device descriptor metadata: string keys mapped to
// bool, string or number values as decoded from YAML or JSON.
type Metadata map[string]any

// Bool returns the value of key as a bool, or def if absent. The strings
// "true"/"false" are accepted.
func (m Metadata) Bool(key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "true", "yes":
			return true
		case "false", "no":
			return false
		}
	}
	return def
}

// Number returns the value of key as an integer.
func (m Metadata) Number(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// String returns the value of key as a string.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}
