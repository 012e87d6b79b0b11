// Package metric provides Prometheus metrics for the gateway and an HTTP
// server that exposes them.
//
// MetricsRegistry owns a private Prometheus registry. It registers the core
// Metrics (request outcomes, error kinds, sub-operation counts and round
// sizes, loaded plugins, NATS health) together with the Go runtime
// collectors. Components that own extra collectors register them through
// MetricsRegistrar under an owner name.
//
// Metrics implements the dispatch recorder, so an engine can be built with
//
//	registry := metric.NewMetricsRegistry()
//	engine := dispatch.NewEngine(manager, dispatch.WithRecorder(registry.CoreMetrics()))
//
// and served with
//
//	srv := metric.NewServer(9090, "/metrics", registry, security.ServerTLSConfig{})
//	go srv.Start()
//	defer srv.Stop(ctx)
package metric
