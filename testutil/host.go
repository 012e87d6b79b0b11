package testutil

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/c360/adfront/dispatch"
	"github.com/c360/adfront/plugin"
)

// FakeSub is one sub-operation issued through a FakeHost.
type FakeSub struct {
	Handle    dispatch.SubHandle
	Target    dispatch.Target
	Payload   []byte
	Done      bool
	Result    plugin.SubResult
	Collected int
}

// FakeHost is an in-memory dispatch.Host. Sub-operations stay pending until
// the test completes them, so completion order is fully controlled.
type FakeHost struct {
	mu sync.Mutex

	Req       *http.Request
	Body      []byte
	BodyReady bool
	BodyErr   error

	// RefuseAfter makes IssueSubOperation fail once this many sub-operations
	// have been issued. Negative means never.
	RefuseAfter int
	// AutoComplete, when set, completes each sub-operation as it is issued.
	AutoComplete func(target dispatch.Target, payload []byte) plugin.SubResult
	CollectErr   error
	EmitErr      error

	subs      []*FakeSub
	responses []dispatch.Response
}

// NewFakeHost returns a host for r whose body is immediately available.
func NewFakeHost(r *http.Request) *FakeHost {
	return &FakeHost{
		Req:         r,
		BodyReady:   true,
		RefuseAfter: -1,
	}
}

// Request implements dispatch.Host.
func (h *FakeHost) Request() *http.Request {
	return h.Req
}

// ReadBody implements dispatch.Host.
func (h *FakeHost) ReadBody() ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BodyErr != nil {
		return nil, false, h.BodyErr
	}
	return h.Body, h.BodyReady, nil
}

// FinishBody makes the body available.
func (h *FakeHost) FinishBody(body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Body = body
	h.BodyReady = true
}

// IssueSubOperation implements dispatch.Host.
func (h *FakeHost) IssueSubOperation(target dispatch.Target, payload []byte) (dispatch.SubHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.RefuseAfter >= 0 && len(h.subs) >= h.RefuseAfter {
		return 0, fmt.Errorf("sub-operation limit reached")
	}
	sub := &FakeSub{
		Handle:  dispatch.SubHandle(len(h.subs) + 1),
		Target:  target,
		Payload: payload,
	}
	if h.AutoComplete != nil {
		sub.Result = h.AutoComplete(target, payload)
		sub.Done = true
	}
	h.subs = append(h.subs, sub)
	return sub.Handle, nil
}

// IsComplete implements dispatch.Host.
func (h *FakeHost) IsComplete(handle dispatch.SubHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := h.lookup(handle)
	return sub != nil && sub.Done
}

// CollectResult implements dispatch.Host.
func (h *FakeHost) CollectResult(handle dispatch.SubHandle) (plugin.SubResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CollectErr != nil {
		return plugin.SubResult{}, h.CollectErr
	}
	sub := h.lookup(handle)
	if sub == nil {
		return plugin.SubResult{}, fmt.Errorf("unknown handle %d", handle)
	}
	sub.Collected++
	return sub.Result, nil
}

// EmitResponse implements dispatch.Host.
func (h *FakeHost) EmitResponse(resp dispatch.Response) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.EmitErr != nil {
		return h.EmitErr
	}
	h.responses = append(h.responses, resp)
	return nil
}

// Complete finishes the i-th issued sub-operation (zero based).
func (h *FakeHost) Complete(i, status int, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := h.subs[i]
	sub.Done = true
	sub.Result = plugin.SubResult{Status: status, Payload: []byte(payload)}
}

// Subs returns the sub-operations issued so far.
func (h *FakeHost) Subs() []*FakeSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*FakeSub, len(h.subs))
	copy(out, h.subs)
	return out
}

// Responses returns every response emitted so far.
func (h *FakeHost) Responses() []dispatch.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]dispatch.Response, len(h.responses))
	copy(out, h.responses)
	return out
}

func (h *FakeHost) lookup(handle dispatch.SubHandle) *FakeSub {
	i := int(handle) - 1
	if i < 0 || i >= len(h.subs) {
		return nil
	}
	return h.subs[i]
}
