package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/dispatch"
	gatewayhttp "github.com/c360/adfront/gateway/http"
	"github.com/c360/adfront/health"
	"github.com/c360/adfront/metric"
	"github.com/c360/adfront/natsclient"
	"github.com/c360/adfront/pkg/retry"
	"github.com/c360/adfront/pkg/tlsutil"
	"github.com/c360/adfront/plugin"
	"github.com/c360/adfront/pluginregistry"
)

// natsConnectRetry bounds the initial NATS connection attempts. It stays
// below the client's circuit breaker threshold.
var natsConnectRetry = func() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 4
	cfg.InitialDelay = 500 * time.Millisecond
	return cfg
}()

// app holds the long-lived components of one adfront process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics       *metric.MetricsRegistry
	metricsServer *metric.Server
	health        *health.Monitor
	nats          *natsclient.Client
	plugins       *plugin.Manager
	gateway       *gatewayhttp.Gateway

	listener net.Listener
	server   *http.Server
}

// newApp builds and starts every component except the client listener's
// serve loop. On failure whatever was started is shut down again.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		health:  health.NewMonitor(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.shutdown(context.Background()))
			a = nil
		}
	}()

	if cfg.Metrics.Enabled {
		a.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.metrics, cfg.Server.TLS)
	}

	if cfg.Gateway.UsesNATS() {
		if a.nats, err = a.connectNATS(ctx); err != nil {
			return a, err
		}
	}

	if err = a.loadPlugins(); err != nil {
		return a, err
	}

	engine := dispatch.NewEngine(a.plugins,
		dispatch.WithLogger(logger.With("component", "dispatch")),
		dispatch.WithRecorder(a.metrics.CoreMetrics()))

	a.gateway, err = gatewayhttp.NewGateway(cfg.Gateway, engine,
		gatewayhttp.WithLogger(logger.With("component", "gateway")),
		gatewayhttp.WithMetrics(a.metrics),
		gatewayhttp.WithNATSClient(a.nats),
		gatewayhttp.WithHealthMonitor(a.health))
	if err != nil {
		return a, fmt.Errorf("create gateway: %w", err)
	}
	if err = a.gateway.Start(ctx); err != nil {
		return a, fmt.Errorf("start gateway: %w", err)
	}

	if err = a.listen(); err != nil {
		return a, err
	}
	return a, nil
}

// natsOptions translates the NATS config into client options. Connection
// events are reported to the health monitor.
func (a *app) natsOptions() []natsclient.ClientOption {
	nc := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger.With("component", "natsclient")),
		natsclient.WithMetrics(a.metrics.CoreMetrics()),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
		natsclient.WithDisconnectCallback(func(err error) {
			msg := "disconnected"
			if err != nil {
				msg = "disconnected: " + err.Error()
			}
			a.health.UpdateUnhealthy("nats", msg)
		}),
		natsclient.WithReconnectCallback(func() {
			a.health.UpdateHealthy("nats", "reconnected")
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				a.health.UpdateHealthy("nats", "connected")
			} else {
				a.health.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	}
	if nc.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(nc.ConnectTimeout))
	}
	if nc.HealthInterval > 0 {
		opts = append(opts, natsclient.WithHealthInterval(nc.HealthInterval))
	}
	if nc.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(nc.PingInterval))
	}
	if nc.RequestTimeout > 0 {
		opts = append(opts, natsclient.WithRequestTimeout(nc.RequestTimeout))
	}
	if nc.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(nc.DrainTimeout))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS.CertFile, nc.TLS.KeyFile, nc.TLS.CAFile))
	}
	return opts
}

// connectNATS connects to the configured servers, retrying a few times
// before giving up.
func (a *app) connectNATS(ctx context.Context) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(strings.Join(a.cfg.NATS.URLs, ","), a.natsOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "urls", a.cfg.NATS.URLs)
	err = retry.Do(ctx, natsConnectRetry, func() error {
		err := client.Connect(ctx)
		if stderrors.Is(err, natsclient.ErrCircuitOpen) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// loadPlugins registers the built-in implementations and initialises the
// configured plugins.
func (a *app) loadPlugins() error {
	registry := plugin.NewRegistry()
	if err := pluginregistry.Register(registry); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}
	a.logger.Debug("Plugin implementations registered", "implementations", registry.ListFactories())

	a.plugins = plugin.NewManager(registry, plugin.WithLogger(a.logger.With("component", "plugin")))
	if err := a.plugins.Init(a.cfg.PluginManager.ConfigFile); err != nil {
		return fmt.Errorf("init plugins: %w", err)
	}

	a.metrics.CoreMetrics().SetPluginsLoaded(a.plugins.Len())
	a.logger.Info("Plugins loaded", "count", a.plugins.Len(), "plugins", a.plugins.Names())
	return nil
}

// listen binds the client-facing listener.
func (a *app) listen() error {
	tlsConfig, err := tlsutil.LoadServerTLSConfig(a.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.ListenAddress, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	a.listener = ln
	a.server = &http.Server{
		Handler:           a.gateway,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
	return nil
}

// Addr returns the bound client-facing address.
func (a *app) Addr() net.Addr {
	return a.listener.Addr()
}

// Run serves until ctx is cancelled or a server fails, then shuts every
// component down.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Serving clients",
			"address", a.listener.Addr().String(),
			"tls", a.cfg.Server.TLS.Enabled)
		if err := a.server.Serve(a.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve clients: %w", err)
		}
		return nil
	})

	if a.metricsServer != nil {
		g.Go(func() error {
			a.logger.Info("Serving metrics", "address", a.metricsServer.Address())
			return a.metricsServer.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "timeout", a.cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("Shutdown complete")
	return nil
}

// shutdown stops the components in reverse start order: client listener,
// gateway, plugins, NATS and finally metrics. Components never started are
// skipped.
func (a *app) shutdown(ctx context.Context) error {
	var errs error

	if a.server != nil {
		errs = multierr.Append(errs, a.server.Shutdown(ctx))
	} else if a.listener != nil {
		errs = multierr.Append(errs, a.listener.Close())
	}

	if a.gateway != nil {
		errs = multierr.Append(errs, a.gateway.Stop(remaining(ctx)))
	}

	if a.plugins != nil {
		errs = multierr.Append(errs, a.plugins.Destroy())
	}

	if a.nats != nil {
		errs = multierr.Append(errs, a.nats.Close(ctx))
	}

	if a.metricsServer != nil {
		errs = multierr.Append(errs, a.metricsServer.Stop(ctx))
	}

	return errs
}

// remaining returns the time left before ctx's deadline, or a second when
// it has none.
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Second
	}
	return max(time.Until(deadline), 0)
}
