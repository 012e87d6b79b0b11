// Package health tracks component health and serves it over HTTP.
//
// Components report into a Monitor under their own name; the monitor
// aggregates them into a single Status. Any unhealthy component makes the
// system unhealthy, otherwise any degraded one makes it degraded.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("plugins", "3 plugins loaded")
//	monitor.Update("nats", health.FromError("nats", err, "connected"))
//	mux.Handle("/healthz", monitor.Handler("adfront"))
//
// Error text passed through FromError is sanitized: URLs, paths, IP
// addresses, ports and credential assignments are masked.
package health
