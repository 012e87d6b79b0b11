package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/adfront/gateway"
	"github.com/c360/adfront/pkg/security"
)

// Config represents the complete application configuration
type Config struct {
	Version       string              `json:"version,omitempty"`
	Server        ServerConfig        `json:"server"`
	PluginManager PluginManagerConfig `json:"plugin_manager"`
	Gateway       gateway.Config      `json:"gateway"`
	NATS          NATSConfig          `json:"nats"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// ServerConfig defines the client-facing listener.
type ServerConfig struct {
	ListenAddress   string                   `json:"listen_address"`
	ShutdownTimeout time.Duration            `json:"shutdown_timeout,omitempty"`
	TLS             security.ServerTLSConfig `json:"tls,omitempty"`
}

// PluginManagerConfig points at the plugin configuration file.
type PluginManagerConfig struct {
	ConfigFile string `json:"config_file"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`

	// Zero leaves the client default in place.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	PingInterval   time.Duration `json:"ping_interval,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
	DrainTimeout   time.Duration `json:"drain_timeout,omitempty"`
	HealthInterval time.Duration `json:"health_interval,omitempty"`

	TLS NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig configures TLS towards the NATS servers. The client
// certificate is optional; CAFile replaces the system roots when set.
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// Validate checks the NATS connection settings.
func (n NATSConfig) Validate() error {
	for _, d := range []time.Duration{n.ReconnectWait, n.ConnectTimeout, n.PingInterval, n.RequestTimeout, n.DrainTimeout, n.HealthInterval} {
		if d < 0 {
			return errors.New("durations cannot be negative")
		}
	}
	if !n.TLS.Enabled {
		return nil
	}
	if (n.TLS.CertFile == "") != (n.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	for name, path := range map[string]string{
		"cert_file": n.TLS.CertFile,
		"key_file":  n.TLS.KeyFile,
		"ca_file":   n.TLS.CAFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls.%s: %w", name, err)
		}
	}
	return nil
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return errors.New("server.listen_address is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.New("server.shutdown_timeout cannot be negative")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}
	if err := c.validateTLSFiles(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}

	if c.PluginManager.ConfigFile == "" {
		return errors.New("plugin_manager.config_file is required")
	}

	if err := c.Gateway.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if c.Gateway.UsesNATS() && len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required when a nats location is configured")
	}
	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}

	return nil
}

// validateTLSFiles checks the key pair exists when TLS is enabled.
func (c *Config) validateTLSFiles() error {
	if !c.Server.TLS.Enabled {
		return nil
	}
	if _, err := os.Stat(c.Server.TLS.CertFile); err != nil {
		return fmt.Errorf("cert_file: %w", err)
	}
	if _, err := os.Stat(c.Server.TLS.KeyFile); err != nil {
		return fmt.Errorf("key_file: %w", err)
	}
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "ADFRONT",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Defaults returns the configuration used before any layer is applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Gateway: gateway.DefaultConfig(),
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	if err := l.parseDurations(rawConfig); err != nil {
		return nil, err
	}

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}

	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling. Location timeouts stay strings and are parsed by the gateway.
func (l *Loader) parseDurations(data map[string]any) error {
	for _, key := range []string{"reconnect_wait", "connect_timeout", "ping_interval", "request_timeout", "drain_timeout", "health_interval"} {
		if err := convertDuration(data, "nats", key); err != nil {
			return err
		}
	}
	return convertDuration(data, "server", "shutdown_timeout")
}

func convertDuration(data map[string]any, section, key string) error {
	m, ok := data[section].(map[string]any)
	if !ok {
		return nil
	}
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", section, key, err)
	}
	m[key] = d.Nanoseconds()
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		return val, validateEnvVar(key, val)
	}

	overrides := []struct {
		name  string
		apply func(string) error
	}{
		{"LISTEN_ADDRESS", func(v string) error { cfg.Server.ListenAddress = v; return nil }},
		{"PLUGIN_CONFIG", func(v string) error { cfg.PluginManager.ConfigFile = v; return nil }},
		{"NATS_URLS", func(v string) error { cfg.NATS.URLs = strings.Split(v, ","); return nil }},
		{"NATS_USERNAME", func(v string) error { cfg.NATS.Username = v; return nil }},
		{"NATS_PASSWORD", func(v string) error { cfg.NATS.Password = v; return nil }},
		{"NATS_TOKEN", func(v string) error { cfg.NATS.Token = v; return nil }},
		{"NATS_CONNECT_TIMEOUT", envDuration(&cfg.NATS.ConnectTimeout)},
		{"NATS_PING_INTERVAL", envDuration(&cfg.NATS.PingInterval)},
		{"NATS_REQUEST_TIMEOUT", envDuration(&cfg.NATS.RequestTimeout)},
		{"NATS_DRAIN_TIMEOUT", envDuration(&cfg.NATS.DrainTimeout)},
		{"NATS_TLS_CERT_FILE", func(v string) error { cfg.NATS.TLS.Enabled, cfg.NATS.TLS.CertFile = true, v; return nil }},
		{"NATS_TLS_KEY_FILE", func(v string) error { cfg.NATS.TLS.Enabled, cfg.NATS.TLS.KeyFile = true, v; return nil }},
		{"NATS_TLS_CA_FILE", func(v string) error { cfg.NATS.TLS.Enabled, cfg.NATS.TLS.CAFile = true, v; return nil }},
		{"METRICS_PORT", func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			cfg.Metrics.Port = port
			return nil
		}},
	}

	for _, o := range overrides {
		val, err := env(o.name)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		if err := o.apply(val); err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, o.name, err)
		}
	}
	return nil
}

func envDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}
