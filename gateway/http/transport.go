package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/c360/adfront/backend"
	"github.com/c360/adfront/dispatch"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/gateway"
	"github.com/c360/adfront/natsclient"
)

// maxLoopbackDepth bounds how often a loopback sub-operation may re-enter
// the gateway.
const maxLoopbackDepth = 8

// subCall is one exchange with a location.
type subCall struct {
	RequestID string
	Target    dispatch.Target
	Payload   []byte
}

// transport executes sub-operations against one location. Non-2xx statuses
// are results, not errors; an error means no usable reply was obtained.
type transport interface {
	Do(ctx context.Context, call subCall) (status int, body []byte, err error)
}

// newTransport builds the transport serving loc.
func (g *Gateway) newTransport(loc *gateway.Location) (transport, error) {
	switch loc.Type {
	case gateway.LocationAdserver:
		opts := append([]backend.ClientOption{
			backend.WithLogger(g.logger.With("location", loc.Path)),
		}, g.backendOpts...)
		client, err := backend.NewClient(loc.BackendConfig(), opts...)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Gateway", "newTransport", "adserver location "+loc.Path)
		}
		return &adserverTransport{client: client}, nil

	case gateway.LocationHTTP:
		limit := loc.MaxResponseSize
		if limit == 0 {
			limit = backend.DefaultConfig().MaxResponseSize
		}
		return &httpTransport{
			client: g.httpClient,
			base:   strings.TrimSuffix(loc.URL, "/"),
			limit:  int64(limit),
		}, nil

	case gateway.LocationNATS:
		if g.nats == nil {
			return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "newTransport",
				"nats location "+loc.Path+" requires a NATS client")
		}
		return &natsTransport{client: g.nats, subject: loc.Subject}, nil

	case gateway.LocationLoopback:
		return &loopbackTransport{g: g}, nil

	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "newTransport",
			fmt.Sprintf("unknown location type %q", loc.Type))
	}
}

// adserverTransport speaks the framed ad server protocol. An empty payload
// sends the target's query args instead.
type adserverTransport struct {
	client *backend.Client
}

func (t *adserverTransport) Do(ctx context.Context, call subCall) (int, []byte, error) {
	payload := call.Payload
	if len(payload) == 0 {
		payload = []byte(call.Target.Args)
	}
	resp, err := t.client.Do(ctx, payload)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp.Body, nil
}

// httpTransport forwards to an HTTP upstream: GET without a payload, POST
// with one.
type httpTransport struct {
	client *http.Client
	base   string
	limit  int64
}

func (t *httpTransport) Do(ctx context.Context, call subCall) (int, []byte, error) {
	url := t.base + call.Target.Path
	if call.Target.Args != "" {
		url += "?" + call.Target.Args
	}

	method := http.MethodGet
	var body io.Reader
	if len(call.Payload) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(call.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, errors.WrapInvalid(err, "httpTransport", "Do", "build request")
	}
	if call.RequestID != "" {
		req.Header.Set("X-Request-ID", call.RequestID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, errors.WrapTransient(err, "httpTransport", "Do", "send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.limit+1))
	if err != nil {
		return 0, nil, errors.WrapTransient(err, "httpTransport", "Do", "read response")
	}
	if int64(len(data)) > t.limit {
		return 0, nil, errors.WrapInvalid(
			fmt.Errorf("%w: response exceeds %d bytes", errors.ErrProtocolViolation, t.limit),
			"httpTransport", "Do", "read response")
	}
	return resp.StatusCode, data, nil
}

// natsTransport sends a CBOR SubRequest and expects a SubReply.
type natsTransport struct {
	client  *natsclient.Client
	subject string
}

func (t *natsTransport) Do(ctx context.Context, call subCall) (int, []byte, error) {
	data, err := EncodeSubRequest(SubRequest{
		RequestID: call.RequestID,
		Path:      call.Target.Path,
		Args:      call.Target.Args,
		Payload:   call.Payload,
	})
	if err != nil {
		return 0, nil, errors.WrapFatal(err, "natsTransport", "Do", "encode request")
	}

	raw, err := t.client.Request(ctx, t.subject, data)
	if err != nil {
		return 0, nil, err
	}
	reply, err := DecodeSubReply(raw)
	if err != nil {
		return 0, nil, err
	}
	return reply.Status, reply.Body, nil
}

type loopbackDepthKey struct{}

// loopbackTransport serves the sub-operation with the gateway's own
// handlers, in memory.
type loopbackTransport struct {
	g *Gateway
}

func (t *loopbackTransport) Do(ctx context.Context, call subCall) (int, []byte, error) {
	depth, _ := ctx.Value(loopbackDepthKey{}).(int)
	if depth >= maxLoopbackDepth {
		return 0, nil, errors.WrapInvalid(
			fmt.Errorf("%w: loopback depth %d exceeded", errors.ErrSubOperation, maxLoopbackDepth),
			"loopbackTransport", "Do", "dispatch "+call.Target.Raw)
	}
	ctx = context.WithValue(ctx, loopbackDepthKey{}, depth+1)

	method := http.MethodGet
	var body io.Reader = http.NoBody
	if len(call.Payload) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(call.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://loopback"+call.Target.Raw, body)
	if err != nil {
		return 0, nil, errors.WrapInvalid(err, "loopbackTransport", "Do", "build request")
	}
	req.RemoteAddr = "127.0.0.1:0"
	req.RequestURI = call.Target.Raw
	if call.RequestID != "" {
		req.Header.Set("X-Request-ID", call.RequestID)
	}

	rec := newResponseBuffer()
	t.g.mux.ServeHTTP(rec, req)
	return rec.status, rec.body.Bytes(), nil
}

// responseBuffer is an in-memory http.ResponseWriter.
type responseBuffer struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}, status: http.StatusOK}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

// logFailure records a failed exchange at a level matching its class.
func logFailure(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "error", err)
	if errors.IsInvalid(err) {
		logger.Warn(msg, attrs...)
		return
	}
	logger.Error(msg, attrs...)
}
