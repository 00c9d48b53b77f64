package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds arbitrary converter-specific settings. Nested keys are
// addressed with dotted paths, e.g. "example.users.count".
type Settings map[string]any

// UnmarshalYAML decodes through a plain map so nested mappings are
// map[string]any rather than Settings.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	*s = Settings(m)
	return nil
}

// Get returns the value at a dotted path.
func (s Settings) Get(path string) (any, bool) {
	var current any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case Settings:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}

// String returns the value at path as a string, or def.
func (s Settings) String(path, def string) string {
	v, ok := s.Get(path)
	if !ok || v == nil {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Int returns the value at path as an int, or def when missing or not numeric.
func (s Settings) Int(path string, def int) int {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the value at path as a bool, or def.
func (s Settings) Bool(path string, def bool) bool {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// List returns the value at path as a slice of maps, skipping entries
// that are not maps.
func (s Settings) List(path string) []map[string]any {
	v, ok := s.Get(path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case map[string]any:
			out = append(out, m)
		case Settings:
			out = append(out, map[string]any(m))
		}
	}
	return out
}
