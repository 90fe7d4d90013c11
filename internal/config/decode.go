package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses JSON or YAML (chosen by the extension of name). YAML is
// converted to JSON first so both formats go through the same strict decoder:
// unknown fields and trailing data are errors.
func Decode(name string, b []byte) (*Config, error) {
	format := "json"
	if isYAML(name) {
		format = "yaml"
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		b = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s (%s): %w", filepath.Base(name), format, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("%s (%s): trailing data after config", filepath.Base(name), format)
		}
		return nil, fmt.Errorf("%s (%s): %w", filepath.Base(name), format, err)
	}
	return &cfg, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(stringKeys(doc))
}

// stringKeys rewrites YAML maps in place so every key is a string. yaml.v3
// only yields map[any]any when a mapping has a non-string scalar key, such as
// a channel named 1; it refuses collection keys itself.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
	}
	return in
}

// ParseDurationField parses a Go duration string such as "250ms" found at
// path. Empty means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (use units, e.g. 250ms or 2s)", path, raw)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
