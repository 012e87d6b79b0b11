package http

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/c360/adfront/dispatch"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/gateway"
	"github.com/c360/adfront/pkg/worker"
	"github.com/c360/adfront/plugin"
)

// subOp is one sub-operation issued by a request. Completion fields are
// guarded by the owning host's mutex.
type subOp struct {
	host     *requestHost
	handle   dispatch.SubHandle
	ctx      context.Context
	location *gateway.Location
	call     subCall
	cacheKey string

	done   bool
	result plugin.SubResult
	err    error
}

// requestHost is the dispatch.Host of one inbound request. The engine calls
// it from the handler goroutine; body reads and sub-operations finish on
// other goroutines and signal wake.
type requestHost struct {
	g         *Gateway
	w         http.ResponseWriter
	r         *http.Request
	requestID string
	logger    *slog.Logger

	// wake holds at most one pending signal; the drive loop re-runs the
	// engine for every receive and spurious wake-ups are harmless.
	wake chan struct{}

	mu          sync.Mutex
	bodyStarted bool
	bodyDone    bool
	body        []byte
	bodyErr     error
	nextHandle  dispatch.SubHandle
	subs        map[dispatch.SubHandle]*subOp
	emitted     bool
}

func newRequestHost(g *Gateway, w http.ResponseWriter, r *http.Request, requestID string) *requestHost {
	return &requestHost{
		g:         g,
		w:         w,
		r:         r,
		requestID: requestID,
		logger:    g.logger.With("request_id", requestID),
		wake:      make(chan struct{}, 1),
		subs:      make(map[dispatch.SubHandle]*subOp),
	}
}

func (h *requestHost) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Request implements dispatch.Host.
func (h *requestHost) Request() *http.Request {
	return h.r
}

// ReadBody implements dispatch.Host. The first call starts reading the body
// in the background.
func (h *requestHost) ReadBody() ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.bodyStarted {
		h.bodyStarted = true
		go h.readBody()
		return nil, false, nil
	}
	if !h.bodyDone {
		return nil, false, nil
	}
	if h.bodyErr != nil {
		return nil, false, h.bodyErr
	}
	return h.body, true, nil
}

func (h *requestHost) readBody() {
	limit := h.g.config.MaxRequestSize
	data, err := io.ReadAll(io.LimitReader(h.r.Body, limit+1))
	switch {
	case err != nil:
		err = errors.WrapTransient(err, "requestHost", "ReadBody", "read request body")
	case int64(len(data)) > limit:
		err = errors.WrapInvalid(
			fmt.Errorf("%w: request body exceeds %d bytes", errors.ErrMalformedInput, limit),
			"requestHost", "ReadBody", "read request body")
		data = nil
	}

	h.mu.Lock()
	h.bodyDone = true
	h.body = data
	h.bodyErr = err
	h.mu.Unlock()
	h.signal()
}

// IssueSubOperation implements dispatch.Host. A target no location serves
// is accepted and fails when collected; a full sub-operation pool refuses.
func (h *requestHost) IssueSubOperation(target dispatch.Target, payload []byte) (dispatch.SubHandle, error) {
	op := &subOp{
		host: h,
		ctx:  h.r.Context(),
		call: subCall{RequestID: h.requestID, Target: target, Payload: payload},
	}

	h.mu.Lock()
	h.nextHandle++
	op.handle = h.nextHandle
	h.subs[op.handle] = op

	loc, ok := h.g.config.Match(target.Path)
	if !ok {
		op.done = true
		op.err = errors.WrapInvalid(
			fmt.Errorf("%w: no location serves %s", errors.ErrSubOperation, target.Path),
			"requestHost", "IssueSubOperation", "match location")
		h.mu.Unlock()
		return op.handle, nil
	}
	op.location = loc

	if cache := h.g.caches[loc.Path]; cache != nil {
		op.cacheKey = target.Raw + "\x00" + string(payload)
		if item := cache.Get(op.cacheKey); item != nil {
			op.done = true
			op.result = item.Value()
			h.mu.Unlock()
			h.g.recordSubrequest(loc.Path, op.result.Status)
			return op.handle, nil
		}
	}
	h.mu.Unlock()

	if err := h.g.pool.Submit(op); err != nil {
		h.mu.Lock()
		delete(h.subs, op.handle)
		h.mu.Unlock()
		cause := errors.ErrResourceExhausted
		if stderrors.Is(err, worker.ErrPoolStopped) || stderrors.Is(err, worker.ErrPoolNotStarted) {
			cause = errors.ErrShuttingDown
		}
		return 0, errors.WrapTransient(fmt.Errorf("%w: %v", cause, err),
			"requestHost", "IssueSubOperation", "submit "+target.Raw)
	}
	return op.handle, nil
}

// IsComplete implements dispatch.Host. Unknown handles report complete so
// that collecting them surfaces the error.
func (h *requestHost) IsComplete(handle dispatch.SubHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	op, ok := h.subs[handle]
	return !ok || op.done
}

// CollectResult implements dispatch.Host.
func (h *requestHost) CollectResult(handle dispatch.SubHandle) (plugin.SubResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	op, ok := h.subs[handle]
	if !ok {
		return plugin.SubResult{}, errors.WrapInvalid(
			fmt.Errorf("%w: unknown handle %d", errors.ErrSubOperation, handle),
			"requestHost", "CollectResult", "look up sub-operation")
	}
	if !op.done {
		return plugin.SubResult{}, errors.WrapInvalid(
			fmt.Errorf("%w: handle %d still running", errors.ErrSubOperation, handle),
			"requestHost", "CollectResult", "look up sub-operation")
	}
	delete(h.subs, handle)
	if op.err != nil {
		return plugin.SubResult{}, op.err
	}
	return op.result, nil
}

// complete records the outcome of op once and wakes the request.
func (h *requestHost) complete(op *subOp, result plugin.SubResult, err error) {
	h.mu.Lock()
	if op.done {
		h.mu.Unlock()
		return
	}
	op.done = true
	op.result = result
	op.err = err
	h.mu.Unlock()
	h.signal()
}

// abandon fails every sub-operation still outstanding. It is used when the
// gateway stops before the pool could run them.
func (h *requestHost) abandon() {
	h.mu.Lock()
	var pending []*subOp
	for _, op := range h.subs {
		if !op.done {
			pending = append(pending, op)
		}
	}
	h.mu.Unlock()

	for _, op := range pending {
		h.complete(op, plugin.SubResult{Status: http.StatusServiceUnavailable}, nil)
	}
}

// EmitResponse implements dispatch.Host.
func (h *requestHost) EmitResponse(resp dispatch.Response) error {
	h.mu.Lock()
	if h.emitted {
		h.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("response already emitted"),
			"requestHost", "EmitResponse", "emit response")
	}
	h.emitted = true
	h.mu.Unlock()

	header := h.w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	if resp.ContentType != "" {
		header.Set("Content-Type", resp.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	h.w.WriteHeader(resp.Status)
	if _, err := h.w.Write(resp.Body); err != nil {
		return errors.WrapTransient(err, "requestHost", "EmitResponse", "write body")
	}
	return nil
}

// drive runs req until it finishes. Every pending outcome is followed by a
// completion signal from the body reader or a sub-operation.
func (h *requestHost) drive(req *dispatch.Request) dispatch.Outcome {
	for {
		outcome := h.g.engine.Run(req)
		if outcome != dispatch.OutcomePending {
			return outcome
		}
		select {
		case <-h.wake:
		case <-h.g.stopped:
			h.abandon()
			<-h.wake
		}
	}
}

// execute runs op on a pool worker. The location timeout bounds the
// exchange; cancelling the pool context aborts it.
func (g *Gateway) execute(poolCtx context.Context, op *subOp) error {
	ctx, cancel := context.WithTimeout(op.ctx, op.location.Timeout())
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	start := time.Now()
	status, body, err := g.transports[op.location.Path].Do(ctx, op.call)
	elapsed := time.Since(start)

	if err != nil {
		status = statusForError(err)
		body = nil
		logFailure(op.host.logger, "Sub-operation failed", err,
			"location", op.location.Path,
			"target", op.call.Target.Raw,
			"status", status,
			"latency", elapsed)
	}

	result := plugin.SubResult{Status: status, Elapsed: elapsed, Payload: body}
	if err == nil && status == http.StatusOK && op.cacheKey != "" {
		if cache := g.caches[op.location.Path]; cache != nil {
			cache.Set(op.cacheKey, result, ttlcache.DefaultTTL)
		}
	}

	g.recordSubrequest(op.location.Path, status)
	op.host.complete(op, result, nil)
	return err
}
