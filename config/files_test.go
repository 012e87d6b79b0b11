package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"config.json", false},
		{"configs/prod.json", false},
		{"/etc/adfront/config.json", false},
		{"", true},
		{"../outside.json", true},
		{"configs/../../outside.json", true},
		{"/etc/adfront/../passwd.json", true},
		{"config.yaml", true},
		{strings.Repeat("a", maxPathLen+1) + ".json", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSafeReadFile_RejectsDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dir.json")
	require.NoError(t, os.Mkdir(dir, 0o755))

	_, err := safeReadFile(dir)
	assert.Error(t, err)
}

func TestValidateJSONDepth(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"flat", `{"a": 1}`, false},
		{"brackets in strings", `{"a": "}}]]", "b": "\"{"}`, false},
		{"unclosed", `{"a": [1, 2}`, true},
		{"unbalanced", `{"a": 1}}`, true},
		{"too deep", strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1), true},
		{"at limit", strings.Repeat("[", maxJSONDepth) + strings.Repeat("]", maxJSONDepth), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateJSONDepth([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvVar(t *testing.T) {
	assert.NoError(t, validateEnvVar("K", ""))
	assert.NoError(t, validateEnvVar("K", "value"))
	assert.Error(t, validateEnvVar("K", "a\x00b"))
	assert.Error(t, validateEnvVar("K", strings.Repeat("x", maxEnvVarLen+1)))
}
