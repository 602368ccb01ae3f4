// Package config reads process configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue parses key with parse, falling back when the variable is unset or
// malformed. Malformed values are reported so a typo is not silently ignored.
func envValue[T any](key string, fallback T, parse func(string) (T, bool)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, ok := parse(strings.TrimSpace(raw))
	if !ok {
		slog.Warn("ignoring invalid environment value", "key", key, "value", raw)
		return fallback
	}
	return v
}

// GetString returns the variable verbatim, or fallback when unset.
func GetString(key, fallback string) string {
	return envValue(key, fallback, func(s string) (string, bool) { return s, true })
}

// GetInt parses a base-10 integer.
func GetInt(key string, fallback int) int {
	return envValue(key, fallback, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil
	})
}

// GetDuration reads a whole number of seconds. Zero is allowed and disables periodic jobs.
func GetDuration(key string, fallback time.Duration) time.Duration {
	return envValue(key, fallback, func(s string) (time.Duration, bool) {
		n, err := strconv.Atoi(s)
		return time.Duration(n) * time.Second, err == nil && n >= 0
	})
}
