package contract

import (
	"strings"
	"time"
)

// Remote records arrive as generic JSON trees. These helpers coerce a field to
// the expected type and fall back to the zero value instead of failing.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func getStr(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func getTime(m map[string]any, key string) time.Time {
	switch v := m[key].(type) {
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	case int:
		return time.UnixMilli(int64(v))
	}
	return time.Time{}
}

// getSet reads a `{id: true}` map. Entries with any other value are not members.
func getSet(m map[string]any, key string) map[string]bool {
	set := make(map[string]bool)
	for k, v := range asMap(m[key]) {
		if b, ok := v.(bool); ok && b {
			set[k] = true
		}
	}
	return set
}
