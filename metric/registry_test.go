package metric

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/pkg/security"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_CoreMetricsRegistered(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	// Vectors only show up in Gather once a child exists.
	m.RequestStarted()
	m.RequestFinished("echo", "done", 10*time.Millisecond)
	m.RequestFailed("plugin_logic")
	m.RecordSubrequest("/adserver", 200)
	m.RoundIssued(2)
	m.SetPluginsLoaded(3)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}

	for _, want := range []string{
		"adfront_requests_total",
		"adfront_request_duration_seconds",
		"adfront_requests_active",
		"adfront_errors_total",
		"adfront_subrequests_total",
		"adfront_subrequest_rounds",
		"adfront_plugins_loaded",
		"adfront_nats_connected",
		"adfront_nats_reconnects_total",
		"go_goroutines",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestMetrics_RequestLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RequestStarted()
	m.RequestStarted()
	assert.Equal(t, 2.0, promtest.ToFloat64(m.RequestsActive))

	m.RequestFinished("deliver", "done", 5*time.Millisecond)
	m.RequestFinished("", "error", time.Millisecond)

	assert.Equal(t, 0.0, promtest.ToFloat64(m.RequestsActive))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RequestsTotal.WithLabelValues("deliver", "done")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RequestsTotal.WithLabelValues("unknown", "error")))
	assert.Equal(t, 2, promtest.CollectAndCount(m.RequestDuration))
}

func TestMetrics_SubrequestStatusLabels(t *testing.T) {
	m := NewMetrics()

	for _, status := range []int{0, 200, 204, 302, 404, 502, 504} {
		m.RecordSubrequest("/a", status)
	}

	assert.Equal(t, 1.0, promtest.ToFloat64(m.SubrequestsTotal.WithLabelValues("/a", "none")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.SubrequestsTotal.WithLabelValues("/a", "2xx")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SubrequestsTotal.WithLabelValues("/a", "3xx")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SubrequestsTotal.WithLabelValues("/a", "4xx")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.SubrequestsTotal.WithLabelValues("/a", "5xx")))
}

func TestMetrics_NATSRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordNATSStatus(true)
	m.RecordNATSRTT(1500 * time.Microsecond)
	m.RecordNATSReconnect()
	m.RecordCircuitBreakerState(1)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.NATSConnected))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.NATSRTT))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.NATSReconnects))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.NATSCircuitBreaker))

	m.RecordNATSStatus(false)
	assert.Equal(t, 0.0, promtest.ToFloat64(m.NATSConnected))
}

func TestMetricsRegistry_RegisterOwned(t *testing.T) {
	registry := NewMetricsRegistry()

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_location_latency_seconds",
		Help: "test",
	}, []string{"location"})

	require.NoError(t, registry.RegisterHistogramVec("gateway", "location_latency", latency))
	latency.WithLabelValues("/a").Observe(0.1)

	err := registry.RegisterHistogramVec("gateway", "location_latency", latency)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under another key conflicts inside Prometheus.
	err = registry.RegisterHistogramVec("other", "location_latency", latency)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("gateway", "location_latency"))
	assert.False(t, registry.Unregister("gateway", "location_latency"))

	require.NoError(t, registry.RegisterHistogramVec("gateway", "location_latency", latency))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: fmt.Sprintf("test_gauge_%d", i),
				Help: "test",
			}, []string{"l"})
			errs <- registry.RegisterGaugeVec("owner", fmt.Sprintf("g%d", i), gauge)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetricsRegistry_ImplementsRegistrar(t *testing.T) {
	var _ MetricsRegistrar = NewMetricsRegistry()
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RequestFailed("config")

	srv := NewServer(0, "", registry, security.ServerTLSConfig{})
	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `adfront_errors_total{kind="config"} 1`))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_StartRequiresRegistry(t *testing.T) {
	srv := NewServer(0, "", nil, security.ServerTLSConfig{})
	err := srv.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
