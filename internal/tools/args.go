package tools

import (
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// argsMap extracts the raw argument map from a tool request.
func argsMap(request mcp.CallToolRequest) map[string]any {
	if m, ok := request.Params.Arguments.(map[string]any); ok {
		return m
	}
	return nil
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, exists := args[key]; exists {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func stringSliceArg(args map[string]any, key string) ([]string, bool) {
	v, exists := args[key]
	if !exists {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func stringMapArg(args map[string]any, key string) map[string]string {
	v, exists := args[key]
	if !exists {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

// intArg accepts JSON numbers and their string forms, the way clients
// actually send them.
func intArg(args map[string]any, key string, fallback int) (int, bool) {
	v, exists := args[key]
	if !exists {
		return fallback, true
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if v, exists := args[key]; exists {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func int64SliceArg(args map[string]any, key string) ([]int64, bool) {
	v, exists := args[key]
	if !exists {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		switch n := item.(type) {
		case float64:
			out = append(out, int64(n))
		case int:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, parsed)
		default:
			return nil, false
		}
	}
	return out, true
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp accepts RFC 3339 and the bare ISO forms without a zone.
func parseTimestamp(value string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, value, time.Local)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
