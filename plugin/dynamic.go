package plugin

import (
	"fmt"
	goplugin "plugin"

	"github.com/c360/adfront/errors"
)

// SymbolName is the constructor a shared-object plugin must export:
//
//	func NewPlugin() plugin.Plugin
const SymbolName = "NewPlugin"

// OpenFunc resolves a shared-object path to the plugin constructor it exports.
type OpenFunc func(path string) (Factory, error)

// OpenShared loads a plugin built with -buildmode=plugin and returns its
// exported constructor.
func OpenShared(path string) (Factory, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "OpenShared",
			fmt.Sprintf("open %s: %v", path, err))
	}

	sym, err := so.Lookup(SymbolName)
	if err != nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "OpenShared",
			fmt.Sprintf("lookup %s in %s: %v", SymbolName, path, err))
	}

	switch fn := sym.(type) {
	case func() Plugin:
		return fn, nil
	case *func() Plugin:
		return *fn, nil
	default:
		return nil, errors.WrapFatal(errors.ErrConfig, "plugin", "OpenShared",
			fmt.Sprintf("%s in %s has type %T", SymbolName, path, sym))
	}
}
