// Package pluginregistry registers the built-in plugin implementations.
package pluginregistry

import (
	"errors"

	pkgerrors "github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
	"github.com/c360/adfront/plugins/adserver"
	"github.com/c360/adfront/plugins/concat"
	"github.com/c360/adfront/plugins/deliver"
	"github.com/c360/adfront/plugins/echo"
	"github.com/c360/adfront/plugins/redirect"
)

// Register registers every built-in implementation with registry:
//   - echo (inbound fields)
//   - deliver (two-round old/new API chain)
//   - concat (fan-out and join)
//   - adserver (JSON ad request to the ad server location)
//   - redirect (302 with visitor cookie)
func Register(registry *plugin.Registry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"PluginRegistry", "Register", "registry validation")
	}

	registrations := []struct {
		name     string
		register func(*plugin.Registry) error
	}{
		{echo.Name, echo.Register},
		{deliver.Name, deliver.Register},
		{concat.Name, concat.Register},
		{adserver.Name, adserver.Register},
		{redirect.Name, redirect.Register},
	}

	for _, r := range registrations {
		if err := r.register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "PluginRegistry", "Register", r.name+" plugin registration")
		}
	}
	return nil
}
