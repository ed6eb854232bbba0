package tools

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is a tool's opaque configuration document with typed accessors.
// Numbers may arrive as int, int64, float64 (JSON) or json.Number.
type Config map[string]interface{}

// String gets a required, non-empty string.
func (c Config) String(key string) (string, error) {
	v, ok := c[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", key)
	}
	return s, nil
}

// StringOr gets an optional string.
func (c Config) StringOr(key, def string) string {
	if s, ok := c[key].(string); ok && s != "" {
		return s
	}
	return def
}

// IntOr gets an optional integer.
func (c Config) IntOr(key string, def int) int {
	switch n := c[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

// DurationOr reads a duration given as a string ("30s") or as seconds.
func (c Config) DurationOr(key string, def time.Duration) time.Duration {
	if s, ok := c[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
		return def
	}
	if secs := c.IntOr(key, 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// StringMap reads a map of strings, skipping non-string values.
func (c Config) StringMap(key string) map[string]string {
	raw, ok := c[key].(map[string]interface{})
	if !ok {
		if typed, ok := c[key].(map[string]string); ok {
			return typed
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
