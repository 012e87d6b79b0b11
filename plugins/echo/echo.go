// Package echo provides a plugin that answers with the inbound fields of the
// request, one "key=value" per line in key order.
package echo

import (
	"sort"
	"strings"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/plugin"
)

// Name is the registered implementation name.
const Name = "echo"

// Plugin echoes the request context.
type Plugin struct {
	plugin.Base

	separator string
	skip      map[string]bool
}

// New returns an uninitialised echo plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

// Init reads the optional "separator" (default newline) and "skip", a comma
// separated list of fields to leave out.
func (p *Plugin) Init(cfg map[string]string) error {
	p.separator = config.GetString(cfg, "separator", "\n")
	p.skip = make(map[string]bool)
	for _, key := range config.GetStringSlice(cfg, "skip", nil) {
		p.skip[key] = true
	}
	return nil
}

// Handle renders the inbound fields.
func (p *Plugin) Handle(ctx *plugin.Context) (plugin.Status, error) {
	fields := ctx.Inbound()
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if !p.skip[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, key := range keys {
		lines[i] = key + "=" + fields[key]
	}
	ctx.SetResult(strings.Join(lines, p.separator))
	return plugin.StatusDone, nil
}

// Register registers the echo implementation.
func Register(registry *plugin.Registry) error {
	return registry.Register(Name, "Answers with the inbound request fields", New)
}
