// Package http serves inbound HTTP requests through the plugin dispatch
// engine and executes their sub-operations against configured locations.
package http

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/c360/adfront/backend"
	"github.com/c360/adfront/dispatch"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/gateway"
	"github.com/c360/adfront/health"
	"github.com/c360/adfront/metric"
	"github.com/c360/adfront/natsclient"
	"github.com/c360/adfront/pkg/worker"
	"github.com/c360/adfront/plugin"
)

// HealthPath serves the gateway's aggregated health.
const HealthPath = "/healthz"

// healthName is the component name the gateway reports under.
const healthName = "gateway"

// getOrGenerateRequestID extracts the request ID from headers or generates a
// new one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records sub-operations in the registry's core metrics and
// exports the sub-operation pool metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if registry != nil {
			g.registry = registry
			g.metrics = registry.CoreMetrics()
		}
	}
}

// WithNATSClient sets the client used by nats locations.
func WithNATSClient(client *natsclient.Client) Option {
	return func(g *Gateway) {
		g.nats = client
	}
}

// WithHTTPClient sets the client used by http locations.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithHealthMonitor reports the gateway state to monitor and serves it on
// HealthPath.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(g *Gateway) {
		g.health = monitor
	}
}

// WithBackendOptions passes options to every adserver location client.
func WithBackendOptions(opts ...backend.ClientOption) Option {
	return func(g *Gateway) {
		g.backendOpts = append(g.backendOpts, opts...)
	}
}

// Gateway is the client-facing HTTP handler. Plugin requests are driven
// through the engine; exposed locations and HealthPath are served directly.
type Gateway struct {
	config gateway.Config
	engine *dispatch.Engine

	logger      *slog.Logger
	registry    *metric.MetricsRegistry
	metrics     *metric.Metrics
	nats        *natsclient.Client
	httpClient  *http.Client
	health      *health.Monitor
	backendOpts []backend.ClientOption

	limiter    *rate.Limiter
	transports map[string]transport
	caches     map[string]*ttlcache.Cache[string, plugin.SubResult]
	pool       *worker.Pool[*subOp]
	mux        *http.ServeMux

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	stopped     chan struct{}
}

// NewGateway validates cfg and builds a transport for every location.
func NewGateway(cfg gateway.Config, engine *dispatch.Engine, opts ...Option) (*Gateway, error) {
	if engine == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"dispatch engine is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "config validation")
	}

	g := &Gateway{
		config:     cfg,
		engine:     engine,
		logger:     slog.Default(),
		httpClient: &http.Client{},
		transports: make(map[string]transport, len(cfg.Locations)),
		caches:     make(map[string]*ttlcache.Cache[string, plugin.SubResult]),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	if rl := cfg.RateLimit; rl.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), rl.Burst)
	}

	for i := range g.config.Locations {
		loc := &g.config.Locations[i]
		t, err := g.newTransport(loc)
		if err != nil {
			return nil, err
		}
		g.transports[loc.Path] = t

		if ttl := loc.CacheTTL(); ttl > 0 {
			g.caches[loc.Path] = ttlcache.New(
				ttlcache.WithTTL[string, plugin.SubResult](ttl),
				ttlcache.WithDisableTouchOnHit[string, plugin.SubResult](),
			)
		}
	}

	poolOpts := []worker.Option[*subOp]{}
	if g.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[*subOp](g.registry, "subrequest_pool"))
	}
	g.pool = worker.NewPool(cfg.MaxSubrequests, cfg.MaxSubrequests, g.execute, poolOpts...)

	mux, err := g.buildMux()
	if err != nil {
		return nil, err
	}
	g.mux = mux

	return g, nil
}

func (g *Gateway) buildMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	if g.health != nil {
		mux.Handle(HealthPath, g.health.Handler("adfront"))
	}

	for i := range g.config.Locations {
		loc := &g.config.Locations[i]
		if !loc.Expose {
			continue
		}
		if loc.Path == "/" || loc.Path == HealthPath || strings.ContainsAny(loc.Path, "{}") {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "NewGateway",
				fmt.Sprintf("location %s cannot be exposed", loc.Path))
		}
		mux.Handle(loc.Path, g.exposedHandler(loc))
	}

	mux.HandleFunc("/", g.handlePlugin)
	return mux, nil
}

// Start starts the sub-operation pool and the result caches.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started {
		return errors.WrapFatal(errors.ErrAlreadyInitialized, "Gateway", "Start",
			"gateway already running")
	}

	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := g.pool.Start(poolCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Gateway", "Start", "start sub-operation pool")
	}
	for _, cache := range g.caches {
		go cache.Start()
	}

	g.cancel = cancel
	g.started = true
	if g.health != nil {
		g.health.UpdateHealthy(healthName, "serving")
	}
	g.logger.Info("Gateway started",
		"locations", len(g.config.Locations),
		"max_subrequests", g.config.MaxSubrequests)
	return nil
}

// Stop refuses new sub-operations and waits up to timeout for queued ones.
// Requests still waiting afterwards see their sub-operations fail with 503.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started {
		return nil
	}
	g.started = false

	if g.health != nil {
		g.health.UpdateUnhealthy(healthName, "stopped")
	}

	err := g.pool.Stop(timeout)
	g.cancel()
	close(g.stopped)
	for _, cache := range g.caches {
		cache.Stop()
	}

	if err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "drain sub-operation pool")
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getOrGenerateRequestID(r)
	w.Header().Set("X-Request-ID", requestID)

	if r.URL.Path != HealthPath && g.limiter != nil && !g.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		if g.metrics != nil {
			g.metrics.RequestFailed("rate_limited")
		}
		return
	}

	g.mux.ServeHTTP(w, r)
}

// handlePlugin drives one plugin request through the engine.
func (g *Gateway) handlePlugin(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.ContentLength > g.config.MaxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", g.config.MaxRequestSize))
		return
	}

	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" {
		requestID = getOrGenerateRequestID(r)
	}
	host := newRequestHost(g, w, r, requestID)
	req := g.engine.NewRequest(host)
	outcome := host.drive(req)

	host.logger.Debug("Request complete",
		"plugin", req.PluginName(),
		"outcome", outcome.String(),
		"rounds", req.Rounds())
}

// exposedHandler serves loc directly: the query string is the payload and
// the location reply is the response body.
func (g *Gateway) exposedHandler(loc *gateway.Location) http.Handler {
	t := g.transports[loc.Path]
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, http.StatusMethodNotAllowed,
				fmt.Sprintf("method %s not allowed", r.Method))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), loc.Timeout())
		defer cancel()

		target := dispatch.Target{Raw: r.URL.RequestURI(), Path: r.URL.Path, Args: r.URL.RawQuery}
		status, body, err := t.Do(ctx, subCall{
			RequestID: w.Header().Get("X-Request-ID"),
			Target:    target,
		})
		if err != nil {
			status = statusForError(err)
			g.recordSubrequest(loc.Path, status)
			logFailure(g.logger, "Exposed location failed", err,
				"request_id", w.Header().Get("X-Request-ID"),
				"location", loc.Path,
				"status", status)
			if stderrors.Is(err, errors.ErrProtocolViolation) {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeError(w, status, sanitizeError(err))
			return
		}
		g.recordSubrequest(loc.Path, status)

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	})
}

func (g *Gateway) recordSubrequest(location string, status int) {
	if g.metrics != nil {
		g.metrics.RecordSubrequest(location, status)
	}
}
