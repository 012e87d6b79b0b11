package config

import (
	"strconv"
	"strings"
	"time"
)

// Typed accessors for the string key/value settings handed to plugins.
// Missing or unparsable values fall back to the default.

// GetString returns cfg[key] or defaultVal when absent or empty.
func GetString(cfg map[string]string, key, defaultVal string) string {
	if val, ok := cfg[key]; ok && val != "" {
		return val
	}
	return defaultVal
}

// GetInt parses cfg[key] as a decimal integer.
func GetInt(cfg map[string]string, key string, defaultVal int) int {
	if val, ok := cfg[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return defaultVal
}

// GetBool accepts on/off and yes/no in addition to strconv.ParseBool forms.
func GetBool(cfg map[string]string, key string, defaultVal bool) bool {
	val, ok := cfg[key]
	if !ok {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "on", "yes":
		return true
	case "off", "no":
		return false
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return defaultVal
}

// GetDuration parses cfg[key] with time.ParseDuration.
func GetDuration(cfg map[string]string, key string, defaultVal time.Duration) time.Duration {
	if val, ok := cfg[key]; ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// GetStringSlice splits a comma separated value, dropping empty items.
func GetStringSlice(cfg map[string]string, key string, defaultVal []string) []string {
	val, ok := cfg[key]
	if !ok {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// HasKey checks if a key exists in the config map
func HasKey(cfg map[string]string, key string) bool {
	_, ok := cfg[key]
	return ok
}
