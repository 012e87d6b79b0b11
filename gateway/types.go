package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/c360/adfront/backend"
	"github.com/c360/adfront/errors"
)

// LocationType selects the transport that serves a location.
type LocationType string

// Location transports.
const (
	// LocationAdserver speaks the framed binary protocol to a pool of
	// backend servers.
	LocationAdserver LocationType = "adserver"
	// LocationHTTP forwards the sub-operation to an HTTP upstream.
	LocationHTTP LocationType = "http"
	// LocationNATS sends the sub-operation as a NATS request.
	LocationNATS LocationType = "nats"
	// LocationLoopback dispatches the sub-operation through the gateway
	// itself, in memory.
	LocationLoopback LocationType = "loopback"
)

// Defaults and limits.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxRequestSize = 1 << 20
	DefaultMaxSubrequests = 256
	MaxRequestSizeLimit   = 100 << 20

	minTimeout = time.Millisecond
	maxTimeout = 5 * time.Minute
)

// Location maps a sub-operation path onto a transport.
type Location struct {
	// Path is matched exactly, or as a prefix when it ends with '/'.
	Path string `json:"path"`

	Type LocationType `json:"type"`

	// Servers lists host:port pairs of an adserver pool.
	Servers []string `json:"servers,omitempty"`

	// URL is the base URL of an http upstream. The sub-operation path and
	// args are appended.
	URL string `json:"url,omitempty"`

	// Subject is the NATS request subject.
	Subject string `json:"subject,omitempty"`

	// TimeoutStr bounds the whole sub-operation (default: "10s").
	TimeoutStr string `json:"timeout,omitempty"`

	// Per-phase adserver timeouts; the backend defaults apply when empty.
	ConnectTimeoutStr string `json:"connect_timeout,omitempty"`
	SendTimeoutStr    string `json:"send_timeout,omitempty"`
	ReadTimeoutStr    string `json:"read_timeout,omitempty"`

	// NextUpstream lists the adserver failures that move on to the next
	// server: error, timeout, invalid_response, not_found or off.
	NextUpstream []string `json:"next_upstream,omitempty"`

	// MaxResponseSize caps a response body in bytes.
	MaxResponseSize int `json:"max_response_size,omitempty"`

	// CacheTTLStr enables caching of successful results for this location.
	CacheTTLStr string `json:"cache_ttl,omitempty"`

	// Expose serves the location to clients directly, outside any plugin.
	Expose bool `json:"expose,omitempty"`

	timeout        time.Duration
	connectTimeout time.Duration
	sendTimeout    time.Duration
	readTimeout    time.Duration
	cacheTTL       time.Duration
}

// Validate ensures the location is valid and parses its durations.
func (l *Location) Validate() error {
	if l.Path == "" || l.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
			fmt.Sprintf("path %q must start with '/'", l.Path))
	}
	if strings.ContainsAny(l.Path, "? \t") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
			fmt.Sprintf("path %q must not contain '?' or whitespace", l.Path))
	}

	switch l.Type {
	case LocationAdserver:
		if len(l.Servers) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
				fmt.Sprintf("adserver location %s requires servers", l.Path))
		}
		if _, err := backend.ParseNextUpstream(l.NextUpstream); err != nil {
			return errors.WrapInvalid(err, "Location", "Validate",
				fmt.Sprintf("next_upstream of %s", l.Path))
		}
	case LocationHTTP:
		u, err := url.Parse(l.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
				fmt.Sprintf("http location %s requires an absolute http(s) url, got %q", l.Path, l.URL))
		}
	case LocationNATS:
		if l.Subject == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
				fmt.Sprintf("nats location %s requires a subject", l.Path))
		}
	case LocationLoopback:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
			fmt.Sprintf("unknown location type %q for %s", l.Type, l.Path))
	}

	if l.MaxResponseSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Location", "Validate",
			"max_response_size cannot be negative")
	}

	var err error
	if l.timeout, err = parseTimeout(l.TimeoutStr, DefaultTimeout); err != nil {
		return errors.WrapInvalid(err, "Location", "Validate", "timeout of "+l.Path)
	}
	if l.connectTimeout, err = parseTimeout(l.ConnectTimeoutStr, 0); err != nil {
		return errors.WrapInvalid(err, "Location", "Validate", "connect_timeout of "+l.Path)
	}
	if l.sendTimeout, err = parseTimeout(l.SendTimeoutStr, 0); err != nil {
		return errors.WrapInvalid(err, "Location", "Validate", "send_timeout of "+l.Path)
	}
	if l.readTimeout, err = parseTimeout(l.ReadTimeoutStr, 0); err != nil {
		return errors.WrapInvalid(err, "Location", "Validate", "read_timeout of "+l.Path)
	}
	if l.cacheTTL, err = parseTimeout(l.CacheTTLStr, 0); err != nil {
		return errors.WrapInvalid(err, "Location", "Validate", "cache_ttl of "+l.Path)
	}

	return nil
}

// parseTimeout parses s, returning def when s is empty.
func parseTimeout(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < minTimeout || d > maxTimeout {
		return 0, fmt.Errorf("duration %s must be between %s and %s", d, minTimeout, maxTimeout)
	}
	return d, nil
}

// Timeout returns the parsed sub-operation timeout.
func (l *Location) Timeout() time.Duration {
	if l.timeout == 0 {
		return DefaultTimeout
	}
	return l.timeout
}

// CacheTTL returns how long successful results are cached, zero when
// caching is off.
func (l *Location) CacheTTL() time.Duration {
	return l.cacheTTL
}

// Matches reports whether path is served by this location.
func (l *Location) Matches(path string) bool {
	if strings.HasSuffix(l.Path, "/") {
		return strings.HasPrefix(path, l.Path)
	}
	return path == l.Path
}

// BackendConfig returns the backend client configuration of an adserver
// location.
func (l *Location) BackendConfig() backend.Config {
	cfg := backend.DefaultConfig()
	cfg.Servers = append([]string(nil), l.Servers...)
	cfg.NextUpstream = append([]string(nil), l.NextUpstream...)
	if l.connectTimeout > 0 {
		cfg.ConnectTimeout = l.connectTimeout
	}
	if l.sendTimeout > 0 {
		cfg.SendTimeout = l.sendTimeout
	}
	if l.readTimeout > 0 {
		cfg.ReadTimeout = l.readTimeout
	}
	if l.MaxResponseSize > 0 {
		cfg.MaxResponseSize = l.MaxResponseSize
	}
	return cfg
}

// RateLimitConfig configures the inbound token bucket. A zero rate disables
// limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// Config holds configuration for the gateway.
type Config struct {
	// MaxRequestSize limits request body size in bytes (default: 1MB)
	MaxRequestSize int64 `json:"max_request_size,omitempty"`

	// MaxSubrequests bounds the sub-operations in flight across all
	// requests (default: 256).
	MaxSubrequests int `json:"max_subrequests,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	Locations []Location `json:"locations"`
}

// Validate ensures the gateway configuration is valid and fills defaults.
func (c *Config) Validate() error {
	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = DefaultMaxRequestSize
	}
	if c.MaxRequestSize > MaxRequestSizeLimit {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if c.MaxSubrequests < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_subrequests cannot be negative")
	}
	if c.MaxSubrequests == 0 {
		c.MaxSubrequests = DefaultMaxSubrequests
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_limit values cannot be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = max(1, int(c.RateLimit.RequestsPerSecond))
	}

	seen := make(map[string]bool, len(c.Locations))
	for i := range c.Locations {
		loc := &c.Locations[i]
		if err := loc.Validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate",
				fmt.Sprintf("invalid location at index %d", i))
		}
		if seen[loc.Path] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("location %s configured twice", loc.Path))
		}
		seen[loc.Path] = true
	}

	return nil
}

// Match returns the location serving path. An exact match wins over the
// longest matching prefix location.
func (c *Config) Match(path string) (*Location, bool) {
	var best *Location
	for i := range c.Locations {
		loc := &c.Locations[i]
		if !loc.Matches(path) {
			continue
		}
		if loc.Path == path {
			return loc, true
		}
		if best == nil || len(loc.Path) > len(best.Path) {
			best = loc
		}
	}
	return best, best != nil
}

// UsesNATS reports whether any location needs a NATS connection.
func (c *Config) UsesNATS() bool {
	for i := range c.Locations {
		if c.Locations[i].Type == LocationNATS {
			return true
		}
	}
	return false
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		MaxRequestSize: DefaultMaxRequestSize,
		MaxSubrequests: DefaultMaxSubrequests,
		Locations:      []Location{},
	}
}
