// Package config reads runtime settings from the environment and provides
// the logging and test-database helpers shared across the Loom binaries.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns the value of key, or defaultValue when the variable is
// unset or empty.
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt parses key as an int. Unset, empty, or unparseable values fall
// back to defaultValue; a malformed variable never aborts startup.
func GetEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvInt64 parses key as an int64, for byte-size settings that can
// exceed 32 bits.
func GetEnvInt64(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvFloat parses key as a float64.
func GetEnvFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvBool parses key as a boolean. Accepted spellings are true/1/yes and
// false/0/no, case-insensitive; anything else falls back to defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// GetEnvDuration parses key in time.ParseDuration syntax, such as "45s" or
// "5m".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvLogLevel maps key to a slog level. Recognized values are debug,
// info, warn or warning, and error, case-insensitive.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultValue
	}
}

// ParseCommaSeparatedList splits a comma-separated value into trimmed,
// non-empty entries. Used for list-typed settings such as allowed CORS
// origins.
func ParseCommaSeparatedList(input string) []string {
	result := []string{}

	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
