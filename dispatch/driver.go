package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/extract"
	"github.com/c360/adfront/plugin"
)

// DefaultMaxRounds bounds how many sub-operation rounds one request may run.
const DefaultMaxRounds = 16

// Recorder receives request-level measurements. *metric.Metrics implements it.
type Recorder interface {
	RequestStarted()
	RequestFinished(pluginName, outcome string, elapsed time.Duration)
	RequestFailed(kind string)
	RoundIssued(size int)
}

type nopRecorder struct{}

func (nopRecorder) RequestStarted()                               {}
func (nopRecorder) RequestFinished(string, string, time.Duration) {}
func (nopRecorder) RequestFailed(string)                          {}
func (nopRecorder) RoundIssued(int)                               {}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder sets where request measurements go.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.recorder = rec
		}
	}
}

// WithMaxRounds bounds the number of sub-operation rounds per request.
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// Engine runs requests against a set of initialised plugins. It holds no
// per-request state and is safe for concurrent use.
type Engine struct {
	lookup    PluginLookup
	logger    *slog.Logger
	recorder  Recorder
	maxRounds int
}

// NewEngine creates an engine resolving plugins through lookup.
func NewEngine(lookup PluginLookup, opts ...Option) *Engine {
	e := &Engine{
		lookup:    lookup,
		logger:    slog.Default(),
		recorder:  nopRecorder{},
		maxRounds: DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is the engine-side state of one inbound request. It must only be
// driven from one goroutine at a time.
type Request struct {
	host   Host
	logger *slog.Logger

	state  State
	failed State
	err    error

	ctx    *plugin.Context
	name   string
	plugin plugin.Plugin
	round  *Round
	rounds int

	started time.Time
	torn    bool
}

// NewRequest creates a request in StateInit bound to host.
func (e *Engine) NewRequest(host Host) *Request {
	e.recorder.RequestStarted()
	return &Request{
		host:    host,
		logger:  e.logger,
		state:   StateInit,
		started: time.Now(),
	}
}

// State returns the current state.
func (r *Request) State() State {
	return r.state
}

// Err returns the error that moved the request into StateError, if any.
func (r *Request) Err() error {
	return r.err
}

// Context returns the plugin context. It is nil before the context has been
// created.
func (r *Request) Context() *plugin.Context {
	return r.ctx
}

// PluginName returns the resolved plugin name, or "" before dispatch.
func (r *Request) PluginName() string {
	return r.name
}

// Rounds returns how many sub-operation rounds have been issued.
func (r *Request) Rounds() int {
	return r.rounds
}

// Run advances req as far as it can without waiting. It returns
// OutcomePending when the host has to wake it up again later. Calling Run on
// a finished request has no effect and returns the terminal outcome again.
func (e *Engine) Run(req *Request) Outcome {
	for {
		switch req.state {
		case StateInit:
			e.start(req)

		case StateReadingBody:
			if !e.readBody(req) {
				return OutcomePending
			}

		case StateDispatching:
			e.dispatch(req)

		case StateAwaitingSubrequests:
			if !e.awaitRound(req) {
				return OutcomePending
			}

		case StatePostDispatch:
			e.postDispatch(req)

		case StateFinalizing:
			e.finalize(req)

		case StateDone:
			return OutcomeDone

		case StateError:
			e.abort(req)
			return OutcomeError

		default:
			e.fail(req, fmt.Errorf("unknown request state %d", req.state))
		}
	}
}

func (e *Engine) start(req *Request) {
	switch req.host.Request().Method {
	case http.MethodGet:
		e.open(req, nil)
	case http.MethodPost:
		req.state = StateReadingBody
	default:
		e.fail(req, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported method %q", errors.ErrMalformedInput, req.host.Request().Method),
			"Engine", "Run", "check request method"))
	}
}

// readBody reports false while the body read is still in flight.
func (e *Engine) readBody(req *Request) bool {
	body, ready, err := req.host.ReadBody()
	if err != nil {
		e.fail(req, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrMalformedInput, err),
			"Engine", "Run", "read request body"))
		return true
	}
	if !ready {
		return false
	}
	e.open(req, body)
	return true
}

// open creates the plugin context and resolves the plugin.
func (e *Engine) open(req *Request, body []byte) {
	fields, err := extract.Inbound(req.host.Request(), body)
	if err != nil {
		e.fail(req, err)
		return
	}
	req.ctx = plugin.NewContext(fields)

	req.name = req.ctx.In(plugin.KeyPluginName)
	req.logger = req.logger.With("plugin", req.name)
	if req.name == "" {
		e.fail(req, errors.WrapInvalid(fmt.Errorf("%w: empty plugin name", errors.ErrMalformedInput),
			"Engine", "Run", "resolve plugin name"))
		return
	}

	p, ok := e.lookup.GetPlugin(req.name)
	if !ok {
		e.fail(req, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrPluginNotFound, req.name),
			"Engine", "Run", "lookup plugin"))
		return
	}
	req.plugin = p
	req.state = StateDispatching
}

func (e *Engine) dispatch(req *Request) {
	status, err := req.plugin.Handle(req.ctx)
	e.afterPlugin(req, "Handle", status, err)
}

func (e *Engine) postDispatch(req *Request) {
	status, err := req.plugin.PostSubHandle(req.ctx)
	e.afterPlugin(req, "PostSubHandle", status, err)
}

// afterPlugin applies the transition selected by a plugin's return status.
func (e *Engine) afterPlugin(req *Request, method string, status plugin.Status, err error) {
	if err != nil {
		e.fail(req, errors.Wrap(fmt.Errorf("%w: %w", errors.ErrPluginLogic, err), "Engine", "Run", method))
		return
	}

	switch status {
	case plugin.StatusDone:
		req.state = StateFinalizing

	case plugin.StatusAgain:
		if !req.ctx.HasNewRound() {
			e.fail(req, errors.WrapInvalid(
				fmt.Errorf("%w: %s returned again without queueing sub-operations", errors.ErrPluginLogic, method),
				"Engine", "Run", method))
			return
		}
		if req.rounds >= e.maxRounds {
			e.fail(req, errors.WrapInvalid(
				fmt.Errorf("%w: more than %d sub-operation rounds", errors.ErrPluginLogic, e.maxRounds),
				"Engine", "Run", method))
			return
		}
		round, err := StartRound(req.host, req.ctx)
		if err != nil {
			e.fail(req, err)
			return
		}
		req.round = round
		req.rounds++
		e.recorder.RoundIssued(round.Len())
		req.logger.Debug("Issued sub-operation round",
			"round", req.rounds, "size", round.Len())
		req.state = StateAwaitingSubrequests

	case plugin.StatusNotFound:
		e.fail(req, errors.WrapInvalid(fmt.Errorf("%w: %s reported not found", errors.ErrPluginNotFound, method),
			"Engine", "Run", method))

	default:
		e.fail(req, errors.Wrap(fmt.Errorf("%w: %s returned %s", errors.ErrPluginLogic, method, status),
			"Engine", "Run", method))
	}
}

// awaitRound reports false while sub-operations are still outstanding.
func (e *Engine) awaitRound(req *Request) bool {
	status, err := req.round.Check(req.ctx)
	switch status {
	case RoundPending:
		return false
	case RoundComplete:
		req.round = nil
		req.state = StatePostDispatch
	default:
		e.fail(req, err)
	}
	return true
}

func (e *Engine) finalize(req *Request) {
	resp, err := buildResponse(req.ctx)
	if err != nil {
		e.fail(req, err)
		return
	}
	if err := req.host.EmitResponse(resp); err != nil {
		e.fail(req, errors.Wrap(err, "Engine", "Run", "emit response"))
		return
	}

	e.teardown(req)
	req.state = StateDone

	elapsed := time.Since(req.started)
	e.recorder.RequestFinished(req.name, OutcomeDone.String(), elapsed)
	req.logger.Debug("Request finished",
		"status", resp.Status,
		"rounds", req.rounds,
		"latency", elapsed)
}

func (e *Engine) fail(req *Request, err error) {
	if err == nil {
		err = fmt.Errorf("request failed without error")
	}
	req.failed = req.state
	req.err = err
	req.state = StateError
}

// abort runs the error path once. Further calls do nothing.
func (e *Engine) abort(req *Request) {
	if req.torn {
		return
	}
	e.teardown(req)

	kind := errors.Kind(req.err)
	e.recorder.RequestFailed(kind)
	e.recorder.RequestFinished(req.name, OutcomeError.String(), time.Since(req.started))

	attrs := []any{"kind", kind, "state", req.failed.String(), "error", req.err}
	if errors.IsInvalid(req.err) {
		req.logger.Warn("Request failed", attrs...)
	} else {
		req.logger.Error("Request failed", attrs...)
	}

	if err := req.host.EmitResponse(errorResponse()); err != nil {
		req.logger.Debug("Failed to emit error response", "error", err)
	}
}

// teardown destroys the plugin context exactly once.
func (e *Engine) teardown(req *Request) {
	if req.torn {
		return
	}
	req.torn = true
	req.round = nil
	if req.ctx == nil {
		return
	}
	if err := req.ctx.Destroy(); err != nil {
		req.logger.Error("Failed to destroy request context", "error", err)
	}
}

// buildResponse turns the outbound fields and result of a finished plugin
// into a response.
func buildResponse(ctx *plugin.Context) (Response, error) {
	resp := Response{Header: http.Header{}}

	if plugin.Truthy(ctx.Out(plugin.OutRedirect)) {
		location := ctx.Out(plugin.OutRedirectURL)
		if location == "" {
			return Response{}, errors.WrapInvalid(
				fmt.Errorf("%w: redirect requested without a target", errors.ErrPluginLogic),
				"Engine", "Run", "build redirect")
		}
		resp.Status = http.StatusFound
		resp.Header.Set("Location", location)
	} else {
		result := ctx.Result()
		if result == "" {
			return Response{}, errors.WrapInvalid(
				fmt.Errorf("%w: plugin produced an empty result", errors.ErrPluginLogic),
				"Engine", "Run", "build response")
		}
		resp.Status = http.StatusOK
		resp.ContentType = "text/plain; charset=utf-8"
		resp.Body = []byte(result)
	}

	if plugin.Truthy(ctx.Out(plugin.OutSetCookie)) {
		cookie, err := buildCookie(ctx)
		if err != nil {
			return Response{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrPluginLogic, err),
				"Engine", "Run", "build cookie")
		}
		resp.Header.Add("Set-Cookie", cookie)
	}

	return resp, nil
}

// buildCookie renders the Set-Cookie header from the cookie_* outbound
// fields. cookie_value is "name=value"; cookie_expires is a lifetime in
// seconds.
func buildCookie(ctx *plugin.Context) (string, error) {
	name, value, ok := strings.Cut(ctx.Out(plugin.OutCookieValue), "=")
	if !ok || name == "" {
		return "", fmt.Errorf("cookie value %q is not name=value", ctx.Out(plugin.OutCookieValue))
	}

	cookie := &http.Cookie{
		Name:   name,
		Value:  value,
		Domain: ctx.Out(plugin.OutCookieDomain),
		Path:   ctx.Out(plugin.OutCookiePath),
	}
	if raw := ctx.Out(plugin.OutCookieExpires); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return "", fmt.Errorf("cookie expiry %q: %w", raw, err)
		}
		cookie.MaxAge = secs
		cookie.Expires = time.Now().Add(time.Duration(secs) * time.Second).UTC()
	}

	header := cookie.String()
	if header == "" {
		return "", fmt.Errorf("cookie %q is not valid", name)
	}
	return header, nil
}
