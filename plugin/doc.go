// Package plugin defines the contract between the dispatch engine and the
// handler plugins it routes requests to.
//
// A Plugin is resolved by name from a Manager that is loaded once at startup
// from a YAML or JSON file:
//
//	plugins:
//	  deliver:
//	    implementation: deliver       # registered factory, or /path/to/plugin.so
//	    config:
//	      plugin_conf: "on"
//
// Each inbound request gets its own Context. Handle either completes the
// request (StatusDone with a result) or asks for a round of sub-operations
// (StatusAgain with AddSubOperation). After every round the engine calls
// PostSubHandle with the round's results in submission order; it may ask
// for another round the same way.
//
// Loading fails fast: if any configured plugin cannot be built or
// initialised, every plugin initialised so far is destroyed and Init
// returns an error. A Manager is never partially loaded.
package plugin
