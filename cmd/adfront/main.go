// Package main implements the adfront entry point: it loads the
// configuration and the plugins, then serves client requests through the
// dispatch engine until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/c360/adfront/config"
	"github.com/c360/adfront/plugin"
	"github.com/c360/adfront/pluginregistry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "adfront"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cliCfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting adfront",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		if err := validatePlugins(cfg.PluginManager.ConfigFile); err != nil {
			return err
		}
		logger.Info("Configuration is valid")
		return nil
	}

	if cliCfg.ShutdownTimeout > 0 {
		cfg.Server.ShutdownTimeout = cliCfg.ShutdownTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// loadConfig loads and validates the application configuration.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(path)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// validatePlugins checks the plugin configuration file without initialising
// any plugin: the file must parse and every built-in implementation it names
// must be registered.
func validatePlugins(path string) error {
	entries, err := plugin.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load plugin config: %w", err)
	}

	registry := plugin.NewRegistry()
	if err := pluginregistry.Register(registry); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}

	for _, entry := range entries {
		if entry.Dynamic() {
			continue
		}
		if _, ok := registry.Factory(entry.Implementation); !ok {
			return fmt.Errorf("plugin %q: unknown implementation %q", entry.Name, entry.Implementation)
		}
	}
	return nil
}
