package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/pkg/retry"
)

// Failure is the class of a failed exchange, as named in next_upstream.
type Failure uint8

const (
	FailError Failure = 1 << iota
	FailTimeout
	FailInvalidResponse
	FailNotFound
	FailOff
)

// NextUpstream is the set of failures that move a request to the next
// server.
type NextUpstream uint8

// DefaultNextUpstream fails over on connection errors and timeouts.
const DefaultNextUpstream = NextUpstream(FailError | FailTimeout)

// ParseNextUpstream parses next_upstream keywords. An empty list selects
// DefaultNextUpstream; "off" disables failover whatever else is listed.
func ParseNextUpstream(values []string) (NextUpstream, error) {
	if len(values) == 0 {
		return DefaultNextUpstream, nil
	}
	var policy NextUpstream
	for _, v := range values {
		switch strings.TrimSpace(v) {
		case "error":
			policy |= NextUpstream(FailError)
		case "timeout":
			policy |= NextUpstream(FailTimeout)
		case "invalid_response":
			policy |= NextUpstream(FailInvalidResponse)
		case "not_found":
			policy |= NextUpstream(FailNotFound)
		case "off":
			policy |= NextUpstream(FailOff)
		default:
			return 0, fmt.Errorf("unknown next_upstream value %q", v)
		}
	}
	if policy&NextUpstream(FailOff) != 0 {
		return NextUpstream(FailOff), nil
	}
	return policy, nil
}

// Allows reports whether a failure of class f should be retried elsewhere.
func (n NextUpstream) Allows(f Failure) bool {
	if n&NextUpstream(FailOff) != 0 {
		return false
	}
	return n&NextUpstream(f) != 0
}

// Config configures a Client.
type Config struct {
	Servers         []string
	ConnectTimeout  time.Duration
	SendTimeout     time.Duration
	ReadTimeout     time.Duration
	NextUpstream    []string
	MaxResponseSize int
	MaxConns        int
}

// DefaultConfig returns the timeouts the ad server location uses when
// nothing else is configured.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  60 * time.Second,
		SendTimeout:     60 * time.Second,
		ReadTimeout:     60 * time.Second,
		MaxResponseSize: DefaultMaxResponse,
		MaxConns:        256,
	}
}

// Response is a decoded ad server reply.
type Response struct {
	Body     []byte
	Server   string
	Attempts int
	Elapsed  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the function used to open connections.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return func(c *Client) {
		c.dial = dial
	}
}

// Client exchanges frames with a group of ad servers. It is safe for
// concurrent use.
type Client struct {
	servers        []string
	policy         NextUpstream
	connectTimeout time.Duration
	sendTimeout    time.Duration
	readTimeout    time.Duration
	maxResponse    int

	conns  *semaphore.Weighted
	next   atomic.Uint64
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger *slog.Logger
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "server list validation")
	}
	for _, s := range cfg.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: server %q: %v", errors.ErrInvalidConfig, s, err),
				"Client", "NewClient", "server address validation")
		}
	}
	policy, err := ParseNextUpstream(cfg.NextUpstream)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Client", "NewClient", "next_upstream validation")
	}

	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = def.MaxResponseSize
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}

	c := &Client{
		servers:        append([]string(nil), cfg.Servers...),
		policy:         policy,
		connectTimeout: cfg.ConnectTimeout,
		sendTimeout:    cfg.SendTimeout,
		readTimeout:    cfg.ReadTimeout,
		maxResponse:    cfg.MaxResponseSize,
		conns:          semaphore.NewWeighted(int64(cfg.MaxConns)),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		dialer := &net.Dialer{Timeout: c.connectTimeout}
		c.dial = dialer.DialContext
	}
	return c, nil
}

// Servers returns the configured server addresses.
func (c *Client) Servers() []string {
	return append([]string(nil), c.servers...)
}

// Do sends payload and returns the decoded reply. Servers are tried in
// round-robin order; each server is tried at most once per call.
func (c *Client) Do(ctx context.Context, payload []byte) (*Response, error) {
	if len(payload) > MaxPayload {
		return nil, errors.WrapInvalid(fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload)),
			"Client", "Do", "encode request")
	}
	if err := c.conns.Acquire(ctx, 1); err != nil {
		return nil, errors.WrapTransient(err, "Client", "Do", "acquire connection slot")
	}
	defer c.conns.Release(1)

	frame := Encode(payload)
	start := time.Now()
	attempts := 0

	resp, err := retry.DoWithResult(ctx, retry.Failover(len(c.servers)), func() (*Response, error) {
		server := c.pick()
		attempts++

		body, err := c.exchange(ctx, server, frame)
		if err == nil {
			return &Response{Body: body, Server: server}, nil
		}

		failure := Classify(err)
		c.logger.Warn("Ad server exchange failed",
			"server", server,
			"attempt", attempts,
			"failure", failure.String(),
			"error", err)

		if ctx.Err() != nil || !c.policy.Allows(failure) {
			return nil, retry.NonRetryable(err)
		}
		return nil, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Do", fmt.Sprintf("exchange after %d attempts", attempts))
	}

	resp.Attempts = attempts
	resp.Elapsed = time.Since(start)
	return resp, nil
}

func (c *Client) pick() string {
	i := c.next.Add(1) - 1
	return c.servers[i%uint64(len(c.servers))]
}

// exchange sends one framed request on a fresh connection and reads one
// framed reply.
func (c *Client) exchange(ctx context.Context, server string, frame []byte) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	conn, err := c.dial(dialCtx, "tcp", server)
	cancel()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "exchange", "connect to "+server)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(c.sendTimeout)); err != nil {
		return nil, errors.WrapTransient(err, "Client", "exchange", "set write deadline")
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, errors.WrapTransient(err, "Client", "exchange", "send request")
	}

	dec := NewDecoder(c.maxResponse)
	buf := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, errors.WrapTransient(err, "Client", "exchange", "set read deadline")
		}
		n, readErr := conn.Read(buf)
		if n > 0 {
			done, err := dec.Feed(buf[:n])
			if err != nil {
				return nil, err
			}
			if done {
				return dec.Body(), nil
			}
		}
		if readErr != nil {
			if stderrors.Is(readErr, io.EOF) {
				readErr = fmt.Errorf("%w: connection closed after %d of %d body bytes",
					errors.ErrConnectionLost, len(dec.body), dec.Length())
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				readErr = ctxErr
			}
			return nil, errors.WrapTransient(readErr, "Client", "exchange", "read response")
		}
	}
}

// Classify maps an exchange error onto its next_upstream failure class.
func Classify(err error) Failure {
	if stderrors.Is(err, errors.ErrProtocolViolation) {
		return FailInvalidResponse
	}
	if IsTimeout(err) {
		return FailTimeout
	}
	return FailError
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// String returns the next_upstream keyword for f.
func (f Failure) String() string {
	switch f {
	case FailError:
		return "error"
	case FailTimeout:
		return "timeout"
	case FailInvalidResponse:
		return "invalid_response"
	case FailNotFound:
		return "not_found"
	case FailOff:
		return "off"
	default:
		return "unknown"
	}
}
