// Package deliver provides a two-round plugin: the first round queries the
// old and the new API side by side, the second round queries the new API
// again and its reply becomes the response.
package deliver

import (
	"fmt"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// Name is the registered implementation name.
const Name = "deliver"

// Config keys.
const (
	KeyPluginConf = "plugin_conf"
	KeyOldAPI     = "old_api"
	KeyNewAPI     = "new_api"
)

// Default sub-operation targets.
const (
	DefaultOldAPI = "/oldhandler?a=2&pm=1&v=4.4.5&platform=2&city=110100"
	DefaultNewAPI = "/newhandler?a=2&pm=1&v=4.4.5&platform=2&city=110100"
)

// state tracks which round a request is in.
type state struct {
	round int
}

// Plugin chains two rounds of sub-operations.
type Plugin struct {
	plugin.Base

	oldAPI string
	newAPI string
}

// New returns an uninitialised deliver plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

// Init requires plugin_conf and reads the optional old_api and new_api
// targets.
func (p *Plugin) Init(cfg map[string]string) error {
	if !config.HasKey(cfg, KeyPluginConf) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s is required", errors.ErrConfig, KeyPluginConf),
			"deliver", "Init", "read configuration")
	}
	p.oldAPI = config.GetString(cfg, KeyOldAPI, DefaultOldAPI)
	p.newAPI = config.GetString(cfg, KeyNewAPI, DefaultNewAPI)
	return nil
}

// Handle queues the first round.
func (p *Plugin) Handle(ctx *plugin.Context) (plugin.Status, error) {
	if _, ok := ctx.Lookup(plugin.KeyURL); !ok {
		return plugin.StatusError, fmt.Errorf("inbound field %s missing", plugin.KeyURL)
	}

	ctx.SetState(&state{})
	ctx.AddSubOperation(p.oldAPI, nil)
	ctx.AddSubOperation(p.newAPI, nil)
	return plugin.StatusAgain, nil
}

// PostSubHandle queues the second round after the first and answers with
// the second round's reply.
func (p *Plugin) PostSubHandle(ctx *plugin.Context) (plugin.Status, error) {
	st, err := plugin.StateAs[*state](ctx)
	if err != nil {
		return plugin.StatusError, err
	}

	if st.round == 0 {
		st.round = 1
		ctx.AddSubOperation(p.newAPI, nil)
		return plugin.StatusAgain, nil
	}

	results := ctx.Completed()
	if len(results) == 0 {
		return plugin.StatusError, fmt.Errorf("second round returned no results")
	}
	ctx.AppendResult(string(results[0].Payload))
	return plugin.StatusDone, nil
}

// Register registers the deliver implementation.
func Register(registry *plugin.Registry) error {
	return registry.Register(Name, "Two-round old/new API chain", New)
}
