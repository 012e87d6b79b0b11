package plugin

import (
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/c360/adfront/errors"
)

// ErrNoState is returned by StateAs when the plugin never stored state.
var ErrNoState = fmt.Errorf("no plugin state")

// ErrStateType is returned by StateAs when the stored state has another type.
var ErrStateType = fmt.Errorf("plugin state type mismatch")

// SubOperation is one sub-operation a plugin asks the engine to run.
// Target is "path" or "path?args".
type SubOperation struct {
	Target  string
	Payload []byte
}

// SubResult is the outcome of one sub-operation.
type SubResult struct {
	Status  int
	Elapsed time.Duration
	Payload []byte
}

// Context is the per-request state exchanged between the engine and a plugin.
//
// A Context is owned by exactly one request and is not safe for concurrent
// use. Inbound fields are fixed at creation. The engine only looks at
// outbound fields once the plugin has finished.
type Context struct {
	inbound  map[string]string
	outbound map[string]string

	pending   []SubOperation
	sealed    bool
	completed []SubResult

	result string
	state  any

	created   time.Time
	destroyed bool
}

// NewContext creates a context holding a copy of inbound.
func NewContext(inbound map[string]string) *Context {
	in := make(map[string]string, len(inbound))
	maps.Copy(in, inbound)
	return &Context{
		inbound:  in,
		outbound: make(map[string]string),
		created:  time.Now(),
	}
}

// In returns an inbound field, or "" when absent.
func (c *Context) In(key string) string {
	return c.inbound[key]
}

// Lookup returns an inbound field and whether it is present.
func (c *Context) Lookup(key string) (string, bool) {
	v, ok := c.inbound[key]
	return v, ok
}

// Inbound returns a copy of all inbound fields.
func (c *Context) Inbound() map[string]string {
	return maps.Clone(c.inbound)
}

// Out returns an outbound field, or "" when unset.
func (c *Context) Out(key string) string {
	return c.outbound[key]
}

// SetOut sets an outbound field.
func (c *Context) SetOut(key, value string) {
	c.outbound[key] = value
}

// Outbound returns a copy of all outbound fields.
func (c *Context) Outbound() map[string]string {
	return maps.Clone(c.outbound)
}

// Redirect asks for a 302 response to target.
func (c *Context) Redirect(target string) {
	c.outbound[OutRedirect] = "1"
	c.outbound[OutRedirectURL] = target
}

// AddSubOperation queues a sub-operation for the next round. The first call
// after a round has completed starts a fresh list.
func (c *Context) AddSubOperation(target string, payload []byte) {
	if c.sealed {
		c.pending = nil
		c.sealed = false
	}
	c.pending = append(c.pending, SubOperation{Target: target, Payload: payload})
}

// ResetSubOperations drops every queued sub-operation.
func (c *Context) ResetSubOperations() {
	c.pending = nil
	c.sealed = false
}

// Pending returns the sub-operations of the current or most recent round.
func (c *Context) Pending() []SubOperation {
	out := make([]SubOperation, len(c.pending))
	copy(out, c.pending)
	return out
}

// HasNewRound reports whether sub-operations were queued since the last
// round completed.
func (c *Context) HasNewRound() bool {
	return !c.sealed && len(c.pending) > 0
}

// Completed returns the results of the most recent round, in the order the
// sub-operations were queued. It is empty while a round is in flight.
func (c *Context) Completed() []SubResult {
	out := make([]SubResult, len(c.completed))
	copy(out, c.completed)
	return out
}

// BeginRound is called by the engine when it issues the queued
// sub-operations. Results of the previous round are discarded.
func (c *Context) BeginRound() []SubOperation {
	c.completed = nil
	return c.Pending()
}

// FinishRound is called by the engine with the collected results of a round.
// The pending list is kept for correlation until the plugin queues again.
func (c *Context) FinishRound(results []SubResult) {
	c.completed = results
	c.sealed = true
}

// Result returns the response body built so far.
func (c *Context) Result() string {
	return c.result
}

// SetResult replaces the response body.
func (c *Context) SetResult(result string) {
	c.result = result
}

// AppendResult appends to the response body.
func (c *Context) AppendResult(s string) {
	c.result += s
}

// SetState stores plugin-private state for the rest of the request. If the
// value implements io.Closer it is closed when the context is destroyed.
func (c *Context) SetState(state any) {
	c.state = state
}

// State returns the raw plugin-private state.
func (c *Context) State() any {
	return c.state
}

// StateAs returns the plugin-private state as T. It fails instead of
// returning a zero value when the state is missing or has another type.
func StateAs[T any](c *Context) (T, error) {
	var zero T
	if c.state == nil {
		return zero, ErrNoState
	}
	v, ok := c.state.(T)
	if !ok {
		return zero, fmt.Errorf("%w: have %T, want %T", ErrStateType, c.state, zero)
	}
	return v, nil
}

// Created returns when the context was created.
func (c *Context) Created() time.Time {
	return c.created
}

// Destroyed reports whether Destroy has run.
func (c *Context) Destroyed() bool {
	return c.destroyed
}

// Destroy releases the context and its plugin state. Calling it twice is a
// lifecycle bug and returns an error wrapping ErrContextDestroyed.
func (c *Context) Destroy() error {
	if c.destroyed {
		return errors.WrapFatal(errors.ErrContextDestroyed, "Context", "Destroy", "release context")
	}
	c.destroyed = true

	var err error
	if closer, ok := c.state.(io.Closer); ok {
		err = closer.Close()
	}

	c.state = nil
	c.pending = nil
	c.completed = nil

	if err != nil {
		return errors.Wrap(err, "Context", "Destroy", "close plugin state")
	}
	return nil
}
