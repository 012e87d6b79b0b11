package plugin

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/adfront/errors"
)

// maxConfigSize bounds the plugin configuration file.
const maxConfigSize = 1 << 20

//go:embed schema.json
var configSchemaJSON string

var configSchema = gojsonschema.NewStringLoader(configSchemaJSON)

// Entry configures one named plugin.
type Entry struct {
	Name           string
	Implementation string
	Config         map[string]string
}

// Dynamic reports whether the implementation is a shared object to open
// rather than a registered factory name.
func (e Entry) Dynamic() bool {
	return strings.HasSuffix(e.Implementation, ".so")
}

type fileEntry struct {
	Implementation string         `yaml:"implementation"`
	Config         map[string]any `yaml:"config"`
}

type file struct {
	Plugins map[string]fileEntry `yaml:"plugins"`
}

// LoadConfig reads and validates a plugin configuration file. YAML and JSON
// are both accepted. Entries are returned sorted by name.
func LoadConfig(path string) ([]Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "LoadConfig",
			fmt.Sprintf("stat %s: %v", path, err))
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "LoadConfig",
			fmt.Sprintf("%s is not a regular file", path))
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "LoadConfig",
			fmt.Sprintf("%s is too large: %d bytes", path, info.Size()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "LoadConfig",
			fmt.Sprintf("read %s: %v", path, err))
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates plugin configuration bytes.
func ParseConfig(data []byte) ([]Entry, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "ParseConfig",
			fmt.Sprintf("parse: %v", err))
	}
	if doc == nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "ParseConfig", "empty configuration")
	}

	result, err := gojsonschema.Validate(configSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "ParseConfig",
			fmt.Sprintf("schema validation: %v", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "ParseConfig",
			"schema validation: "+strings.Join(msgs, "; "))
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "ParseConfig",
			fmt.Sprintf("decode: %v", err))
	}

	entries := make([]Entry, 0, len(f.Plugins))
	for name, fe := range f.Plugins {
		cfg := make(map[string]string, len(fe.Config))
		for k, v := range fe.Config {
			cfg[k] = fmt.Sprint(v)
		}
		entries = append(entries, Entry{
			Name:           name,
			Implementation: fe.Implementation,
			Config:         cfg,
		})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}
