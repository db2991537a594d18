// Package plugins holds the built-in plugin implementations shipped with
// the runtime: csv and jsonl sources and sinks backed by local files, a
// bounded kafka source and sink, and the static source and capture sink
// used by tests and example pipelines. Every built-in is constructed from
// a node id plus the raw option map of its pipeline node, so the pipeline
// registry can build any of them through one factory shape.
package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/loom-io/loom/internal/audit"
)

// builtinVersion is recorded as the plugin version of every built-in.
const builtinVersion = "1.0.0"

// File sink write modes. Write truncates on open; append preserves
// existing content, which is what resume needs.
const (
	modeWrite  = "write"
	modeAppend = "append"
)

const sinkFilePerm = 0o644

// stringOption reads an optional string option.
func stringOption(config map[string]any, key, fallback string) (string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return fallback, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, v)
	}

	return s, nil
}

// requiredStringOption reads a string option that must be present and
// non-empty.
func requiredStringOption(config map[string]any, key string) (string, error) {
	s, err := stringOption(config, key, "")
	if err != nil {
		return "", err
	}

	if s == "" {
		return "", fmt.Errorf("option %q is required", key)
	}

	return s, nil
}

// intOption reads an optional integer option. YAML decodes integers as
// int and JSON as float64, so both arrive here.
func intOption(config map[string]any, key string, fallback int) (int, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return fallback, nil
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("option %q must be an integer, got %v", key, n)
		}

		return int(n), nil
	default:
		return 0, fmt.Errorf("option %q must be an integer, got %T", key, v)
	}
}

// boolOption reads an optional boolean option.
func boolOption(config map[string]any, key string, fallback bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return fallback, nil
	}

	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("option %q must be a boolean, got %T", key, v)
	}

	return b, nil
}

// durationOption reads an optional duration option. Strings go through
// time.ParseDuration; bare numbers are taken as seconds.
func durationOption(config map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return fallback, nil
	}

	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("option %q is not a valid duration: %w", key, err)
		}

		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("option %q must be a duration string or number of seconds, got %T", key, v)
	}
}

// stringListOption reads an optional list of strings. A plain string is
// split on commas so flat configs stay writable by hand.
func stringListOption(config map[string]any, key string) ([]string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return nil, nil
	}

	switch list := v.(type) {
	case []string:
		return slices.Clone(list), nil
	case []any:
		out := make([]string, 0, len(list))

		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("option %q entry %d must be a string, got %T", key, i, item)
			}

			out = append(out, s)
		}

		return out, nil
	case string:
		parts := strings.Split(list, ",")
		out := make([]string, 0, len(parts))

		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}

		return out, nil
	default:
		return nil, fmt.Errorf("option %q must be a list of strings, got %T", key, v)
	}
}

// rowMapsOption reads an optional list of row maps.
func rowMapsOption(config map[string]any, key string) ([]map[string]any, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return nil, nil
	}

	switch list := v.(type) {
	case []map[string]any:
		return slices.Clone(list), nil
	case []any:
		out := make([]map[string]any, 0, len(list))

		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("option %q entry %d must be a mapping, got %T", key, i, item)
			}

			out = append(out, m)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("option %q must be a list of mappings, got %T", key, v)
	}
}

// fieldString renders a row value as a flat field. Scalars keep their
// natural form; composite values fall back to canonical JSON.
func fieldString(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		data, err := audit.CanonicalJSON(val)
		if err != nil {
			return "", fmt.Errorf("value of type %T cannot be rendered as a field: %w", v, err)
		}

		return string(data), nil
	}
}

// fileDigest hashes the file's current contents. File sinks re-hash after
// every write so the returned descriptor always matches the artifact on
// disk, including rows from earlier writes and pre-existing appended data.
func fileDigest(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open artifact for hashing: %w", err)
	}

	defer func() { _ = f.Close() }()

	digest := sha256.New()

	size, err = io.Copy(digest, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash artifact: %w", err)
	}

	return hex.EncodeToString(digest.Sum(nil)), size, nil
}
