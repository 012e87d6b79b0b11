package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "adfront"

// Metrics contains the gateway-level metrics shared by every request.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestsActive  prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec

	// Sub-operation metrics
	SubrequestsTotal *prometheus.CounterVec
	SubrequestRounds prometheus.Histogram

	PluginsLoaded prometheus.Gauge

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance. The collectors are not
// registered; see MetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of dispatched requests by plugin and outcome",
			},
			[]string{"plugin", "outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from request start to response emission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),

		RequestsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_active",
				Help:      "Requests currently being dispatched",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed requests by error kind",
			},
			[]string{"kind"},
		),

		SubrequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subrequests_total",
				Help:      "Completed sub-operations by location and status",
			},
			[]string{"location", "status"},
		),

		SubrequestRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "subrequest_rounds",
				Help:      "Number of sub-operations issued per round",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),

		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_loaded",
				Help:      "Number of plugin instances loaded by the manager",
			},
		),

		// NATS metrics
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// collectors lists every core collector for registration.
func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RequestsTotal,
		c.RequestDuration,
		c.RequestsActive,
		c.ErrorsTotal,
		c.SubrequestsTotal,
		c.SubrequestRounds,
		c.PluginsLoaded,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RequestStarted marks a request as active.
func (c *Metrics) RequestStarted() {
	c.RequestsActive.Inc()
}

// RequestFinished records a request reaching a terminal state.
func (c *Metrics) RequestFinished(pluginName, outcome string, elapsed time.Duration) {
	if pluginName == "" {
		pluginName = "unknown"
	}
	c.RequestsActive.Dec()
	c.RequestsTotal.WithLabelValues(pluginName, outcome).Inc()
	c.RequestDuration.WithLabelValues(pluginName).Observe(elapsed.Seconds())
}

// RequestFailed increments the error counter for kind.
func (c *Metrics) RequestFailed(kind string) {
	c.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RoundIssued records the size of a sub-operation round.
func (c *Metrics) RoundIssued(size int) {
	c.SubrequestRounds.Observe(float64(size))
}

// RecordSubrequest counts one completed sub-operation.
func (c *Metrics) RecordSubrequest(location string, status int) {
	c.SubrequestsTotal.WithLabelValues(location, statusLabel(status)).Inc()
}

// SetPluginsLoaded records the number of loaded plugins.
func (c *Metrics) SetPluginsLoaded(n int) {
	c.PluginsLoaded.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}

func statusLabel(status int) string {
	switch {
	case status <= 0:
		return "none"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
