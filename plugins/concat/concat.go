// Package concat provides a plugin that fans out to a fixed list of targets
// and concatenates their replies in the order the targets are configured.
package concat

import (
	"fmt"
	"strings"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// Name is the registered implementation name.
const Name = "concat"

// Plugin joins the payloads of one round of sub-operations.
type Plugin struct {
	plugin.Base

	targets   []string
	separator string
	requireOK bool
	fallback  string
}

// New returns an uninitialised concat plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

// Init reads "targets" (comma separated, required), "separator",
// "require_ok" and "fallback".
//
// With require_ok a non-200 reply fails the request; otherwise failed
// replies are skipped. fallback answers when nothing was collected.
func (p *Plugin) Init(cfg map[string]string) error {
	p.targets = config.GetStringSlice(cfg, "targets", nil)
	if len(p.targets) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: targets is required", errors.ErrConfig),
			"concat", "Init", "read configuration")
	}
	for _, target := range p.targets {
		if !strings.HasPrefix(target, "/") {
			return errors.WrapInvalid(fmt.Errorf("%w: target %q must start with '/'", errors.ErrConfig, target),
				"concat", "Init", "read configuration")
		}
	}
	p.separator = config.GetString(cfg, "separator", "")
	p.requireOK = config.GetBool(cfg, "require_ok", false)
	p.fallback = config.GetString(cfg, "fallback", "")
	return nil
}

// Handle queues one sub-operation per target.
func (p *Plugin) Handle(ctx *plugin.Context) (plugin.Status, error) {
	for _, target := range p.targets {
		ctx.AddSubOperation(target, nil)
	}
	return plugin.StatusAgain, nil
}

// PostSubHandle joins the replies.
func (p *Plugin) PostSubHandle(ctx *plugin.Context) (plugin.Status, error) {
	parts := make([]string, 0, len(p.targets))
	for i, res := range ctx.Completed() {
		if res.Status != 200 {
			if p.requireOK {
				return plugin.StatusError, fmt.Errorf("target %s answered %d", p.targets[i], res.Status)
			}
			continue
		}
		parts = append(parts, string(res.Payload))
	}

	result := strings.Join(parts, p.separator)
	if result == "" {
		result = p.fallback
	}
	ctx.SetResult(result)
	return plugin.StatusDone, nil
}

// Register registers the concat implementation.
func Register(registry *plugin.Registry) error {
	return registry.Register(Name, "Concatenates the replies of a fixed set of targets", New)
}
