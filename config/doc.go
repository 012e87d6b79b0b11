// Package config loads the adfront application configuration.
//
// Loader builds a Config from defaults, then from JSON file layers merged in
// order (maps merge key by key, lists replace), then from ADFRONT_*
// environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/production.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Files are read through size, depth and path checks before decoding.
// Durations in the server and nats sections may be written as strings
// ("15s"); location durations are parsed by gateway.Location.Validate.
//
// Recognised overrides: ADFRONT_LISTEN_ADDRESS, ADFRONT_PLUGIN_CONFIG,
// ADFRONT_NATS_URLS (comma separated), ADFRONT_NATS_USERNAME,
// ADFRONT_NATS_PASSWORD, ADFRONT_NATS_TOKEN, ADFRONT_METRICS_PORT.
//
// The Get* helpers read the string settings a plugin receives in Init.
package config
