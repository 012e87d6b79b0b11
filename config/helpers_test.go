package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPluginSettingHelpers(t *testing.T) {
	cfg := map[string]string{
		"name":    "deliver",
		"empty":   "",
		"count":   " 12 ",
		"bad_int": "twelve",
		"flag":    "on",
		"off":     "no",
		"bool":    "true",
		"junk":    "maybe",
		"wait":    "250ms",
		"targets": "/a, /b,,/c ",
		"commas":  ",,",
	}

	assert.Equal(t, "deliver", GetString(cfg, "name", "x"))
	assert.Equal(t, "x", GetString(cfg, "empty", "x"))
	assert.Equal(t, "x", GetString(cfg, "missing", "x"))

	assert.Equal(t, 12, GetInt(cfg, "count", 0))
	assert.Equal(t, 7, GetInt(cfg, "bad_int", 7))

	assert.True(t, GetBool(cfg, "flag", false))
	assert.False(t, GetBool(cfg, "off", true))
	assert.True(t, GetBool(cfg, "bool", false))
	assert.True(t, GetBool(cfg, "junk", true))
	assert.False(t, GetBool(cfg, "missing", false))

	assert.Equal(t, 250*time.Millisecond, GetDuration(cfg, "wait", time.Second))
	assert.Equal(t, time.Second, GetDuration(cfg, "name", time.Second))

	assert.Equal(t, []string{"/a", "/b", "/c"}, GetStringSlice(cfg, "targets", nil))
	assert.Equal(t, []string{"d"}, GetStringSlice(cfg, "commas", []string{"d"}))
	assert.Nil(t, GetStringSlice(cfg, "missing", nil))

	assert.True(t, HasKey(cfg, "empty"))
	assert.False(t, HasKey(cfg, "missing"))
}
