package dispatch_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/adfront/dispatch"
	pkgerrors "github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
	"github.com/c360/adfront/testutil"
)

type closerState struct {
	closed int
}

func (c *closerState) Close() error {
	c.closed++
	return nil
}

func newRequest(t *testing.T, engine *dispatch.Engine, method, target string) (*dispatch.Request, *testutil.FakeHost) {
	t.Helper()
	host := testutil.NewFakeHost(httptest.NewRequest(method, target, nil))
	return engine.NewRequest(host), host
}

func requireGenericError(t *testing.T, host *testutil.FakeHost) {
	t.Helper()
	responses := host.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, http.StatusInternalServerError, responses[0].Status)
	assert.JSONEq(t, `{"error":"internal server error","status":500}`, string(responses[0].Body))
}

func TestEngine_SingleRound(t *testing.T) {
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetResult("hello " + ctx.In("who"))
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p?who=world")
	assert.Equal(t, dispatch.OutcomeDone, engine.Run(req))
	assert.Equal(t, dispatch.StateDone, req.State())

	responses := host.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, http.StatusOK, responses[0].Status)
	assert.Equal(t, "text/plain; charset=utf-8", responses[0].ContentType)
	assert.Equal(t, "hello world", string(responses[0].Body))

	_, _, handles, posts := p.Calls()
	assert.Equal(t, 1, handles)
	assert.Equal(t, 0, posts)
	assert.True(t, req.Context().Destroyed())
}

func TestEngine_TwoRoundChain(t *testing.T) {
	var seen [][]string
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.AddSubOperation("/old_api?a=1", nil)
		ctx.AddSubOperation("/new_api?a=1", nil)
		return plugin.StatusAgain, nil
	}
	p.PostSubHandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		var payloads []string
		for _, res := range ctx.Completed() {
			payloads = append(payloads, string(res.Payload))
		}
		seen = append(seen, payloads)
		if len(seen) == 1 {
			ctx.AddSubOperation("/new_api?a=1", nil)
			return plugin.StatusAgain, nil
		}
		ctx.SetResult(payloads[0])
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"deliver": p})

	req, host := newRequest(t, engine, http.MethodGet, "/deliver?a=1")
	require.Equal(t, dispatch.OutcomePending, engine.Run(req))
	require.Len(t, host.Subs(), 2)
	assert.Equal(t, "/old_api", host.Subs()[0].Target.Path)
	assert.Equal(t, "a=1", host.Subs()[0].Target.Args)

	// Second completes first; results must still come back in queue order.
	host.Complete(1, 200, "X")
	assert.Equal(t, dispatch.OutcomePending, engine.Run(req))
	host.Complete(0, 200, "Y")
	assert.Equal(t, dispatch.OutcomePending, engine.Run(req))

	require.Len(t, host.Subs(), 3)
	assert.Equal(t, "/new_api", host.Subs()[2].Target.Path)
	host.Complete(2, 200, "Z")
	assert.Equal(t, dispatch.OutcomeDone, engine.Run(req))

	assert.Equal(t, [][]string{{"Y", "X"}, {"Z"}}, seen)
	assert.Equal(t, 2, req.Rounds())
	for _, sub := range host.Subs() {
		assert.Equal(t, 1, sub.Collected, "sub-operation %s collected more than once", sub.Target)
	}

	responses := host.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "Z", string(responses[0].Body))

	_, _, handles, posts := p.Calls()
	assert.Equal(t, 1, handles)
	assert.Equal(t, 2, posts)
}

func TestEngine_RepollWhilePendingIsIdempotent(t *testing.T) {
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.AddSubOperation("/a", nil)
		ctx.AddSubOperation("/b", nil)
		return plugin.StatusAgain, nil
	}
	p.PostSubHandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetResult("done")
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	require.Equal(t, dispatch.OutcomePending, engine.Run(req))
	pending := req.Context().Pending()

	for range 3 {
		assert.Equal(t, dispatch.OutcomePending, engine.Run(req))
	}
	assert.Equal(t, dispatch.StateAwaitingSubrequests, req.State())
	assert.Equal(t, pending, req.Context().Pending())
	assert.Empty(t, host.Responses())

	_, _, handles, posts := p.Calls()
	assert.Equal(t, 1, handles)
	assert.Equal(t, 0, posts)
}

func TestEngine_SynchronousCompletionDoesNotSuspend(t *testing.T) {
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.AddSubOperation("/x", []byte("in"))
		return plugin.StatusAgain, nil
	}
	p.PostSubHandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetResult(string(ctx.Completed()[0].Payload))
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	host.AutoComplete = func(_ dispatch.Target, payload []byte) plugin.SubResult {
		return plugin.SubResult{Status: 200, Payload: append([]byte("echo:"), payload...)}
	}

	assert.Equal(t, dispatch.OutcomeDone, engine.Run(req))
	assert.Equal(t, "echo:in", string(host.Responses()[0].Body))
}

func TestEngine_PostBodyReadAsynchronously(t *testing.T) {
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetResult(ctx.In(plugin.KeyMethod) + ":" + ctx.In(plugin.KeyPostBody))
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodPost, "/p")
	host.BodyReady = false

	assert.Equal(t, dispatch.OutcomePending, engine.Run(req))
	assert.Equal(t, dispatch.StateReadingBody, req.State())
	assert.Nil(t, req.Context())

	host.FinishBody([]byte("k=v"))
	assert.Equal(t, dispatch.OutcomeDone, engine.Run(req))
	assert.Equal(t, "POST:k=v", string(host.Responses()[0].Body))
}

func TestEngine_Redirect(t *testing.T) {
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.Redirect("http://example.com/landing")
		ctx.SetOut(plugin.OutSetCookie, "1")
		ctx.SetOut(plugin.OutCookieValue, "uid=42")
		ctx.SetOut(plugin.OutCookieDomain, "example.com")
		ctx.SetOut(plugin.OutCookiePath, "/")
		ctx.SetOut(plugin.OutCookieExpires, "3600")
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"r": p})

	req, host := newRequest(t, engine, http.MethodGet, "/r")
	require.Equal(t, dispatch.OutcomeDone, engine.Run(req))

	resp := host.Responses()[0]
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "http://example.com/landing", resp.Header.Get("Location"))
	assert.Empty(t, resp.Body)

	cookie := resp.Header.Get("Set-Cookie")
	assert.True(t, strings.HasPrefix(cookie, "uid=42"), cookie)
	assert.Contains(t, cookie, "Domain=example.com")
	assert.Contains(t, cookie, "Path=/")
	assert.Contains(t, cookie, "Max-Age=3600")
}

func TestEngine_CookieFlagOff(t *testing.T) {
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetResult("body")
		ctx.SetOut(plugin.OutSetCookie, "0")
		ctx.SetOut(plugin.OutCookieValue, "uid=42")
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	require.Equal(t, dispatch.OutcomeDone, engine.Run(req))
	assert.Empty(t, host.Responses()[0].Header.Get("Set-Cookie"))
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		target  string
		handle  func(ctx *plugin.Context) (plugin.Status, error)
		setup   func(h *testutil.FakeHost)
		wantErr error
		handled bool
	}{
		{
			name:    "unknown plugin",
			target:  "/nope",
			wantErr: pkgerrors.ErrPluginNotFound,
		},
		{
			name:    "empty plugin name",
			target:  "/",
			wantErr: pkgerrors.ErrMalformedInput,
		},
		{
			name:    "unsupported method",
			method:  http.MethodPut,
			target:  "/p",
			wantErr: pkgerrors.ErrMalformedInput,
		},
		{
			name:    "body read failure",
			method:  http.MethodPost,
			target:  "/p",
			setup:   func(h *testutil.FakeHost) { h.BodyErr = fmt.Errorf("connection reset") },
			wantErr: pkgerrors.ErrMalformedInput,
		},
		{
			name:    "malformed query",
			target:  "/p?a=%zz",
			wantErr: pkgerrors.ErrMalformedInput,
		},
		{
			name:   "handle error",
			target: "/p",
			handle: func(*plugin.Context) (plugin.Status, error) {
				return plugin.StatusError, fmt.Errorf("boom")
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "handle status error",
			target: "/p",
			handle: func(*plugin.Context) (plugin.Status, error) {
				return plugin.StatusError, nil
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "handle not found",
			target: "/p",
			handle: func(*plugin.Context) (plugin.Status, error) {
				return plugin.StatusNotFound, nil
			},
			wantErr: pkgerrors.ErrPluginNotFound,
			handled: true,
		},
		{
			name:   "again without sub-operations",
			target: "/p",
			handle: func(*plugin.Context) (plugin.Status, error) {
				return plugin.StatusAgain, nil
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "empty result",
			target: "/p",
			handle: func(*plugin.Context) (plugin.Status, error) {
				return plugin.StatusDone, nil
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "redirect without target",
			target: "/p",
			handle: func(ctx *plugin.Context) (plugin.Status, error) {
				ctx.SetOut(plugin.OutRedirect, "1")
				return plugin.StatusDone, nil
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "bad cookie",
			target: "/p",
			handle: func(ctx *plugin.Context) (plugin.Status, error) {
				ctx.SetResult("x")
				ctx.SetOut(plugin.OutSetCookie, "1")
				ctx.SetOut(plugin.OutCookieValue, "novalue")
				return plugin.StatusDone, nil
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "invalid sub-operation target",
			target: "/p",
			handle: func(ctx *plugin.Context) (plugin.Status, error) {
				ctx.AddSubOperation("/ok", nil)
				ctx.AddSubOperation("no-slash", nil)
				return plugin.StatusAgain, nil
			},
			wantErr: pkgerrors.ErrPluginLogic,
			handled: true,
		},
		{
			name:   "host refuses sub-operation",
			target: "/p",
			handle: func(ctx *plugin.Context) (plugin.Status, error) {
				ctx.AddSubOperation("/a", nil)
				ctx.AddSubOperation("/b", nil)
				return plugin.StatusAgain, nil
			},
			setup:   func(h *testutil.FakeHost) { h.RefuseAfter = 1 },
			wantErr: pkgerrors.ErrSubOperation,
			handled: true,
		},
		{
			name:   "result collection fails",
			target: "/p",
			handle: func(ctx *plugin.Context) (plugin.Status, error) {
				ctx.AddSubOperation("/a", nil)
				return plugin.StatusAgain, nil
			},
			setup: func(h *testutil.FakeHost) {
				h.AutoComplete = func(dispatch.Target, []byte) plugin.SubResult { return plugin.SubResult{} }
				h.CollectErr = fmt.Errorf("upstream reset")
			},
			wantErr: pkgerrors.ErrSubOperation,
			handled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewMockPlugin()
			if tt.handle != nil {
				p.HandleFunc = tt.handle
			}
			engine := dispatch.NewEngine(testutil.Lookup{"p": p})

			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, host := newRequest(t, engine, method, tt.target)
			if tt.setup != nil {
				tt.setup(host)
			}

			assert.Equal(t, dispatch.OutcomeError, engine.Run(req))
			assert.Equal(t, dispatch.StateError, req.State())
			assert.ErrorIs(t, req.Err(), tt.wantErr)
			requireGenericError(t, host)

			if ctx := req.Context(); ctx != nil {
				assert.True(t, ctx.Destroyed())
			}

			_, _, handles, posts := p.Calls()
			if tt.handled {
				assert.Equal(t, 1, handles)
			} else {
				assert.Equal(t, 0, handles)
			}
			assert.Equal(t, 0, posts)
		})
	}
}

func TestEngine_TerminalRequestIsInert(t *testing.T) {
	state := &closerState{}
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetState(state)
		ctx.SetResult("ok")
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	require.Equal(t, dispatch.OutcomeDone, engine.Run(req))
	assert.Equal(t, dispatch.OutcomeDone, engine.Run(req))

	assert.Len(t, host.Responses(), 1)
	assert.Equal(t, 1, state.closed)
	_, _, handles, _ := p.Calls()
	assert.Equal(t, 1, handles)
}

func TestEngine_ErrorPathDestroysOnce(t *testing.T) {
	state := &closerState{}
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetState(state)
		return plugin.StatusError, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	require.Equal(t, dispatch.OutcomeError, engine.Run(req))
	assert.Equal(t, dispatch.OutcomeError, engine.Run(req))

	assert.Len(t, host.Responses(), 1)
	assert.Equal(t, 1, state.closed)
}

func TestEngine_EmitFailureTakesErrorPath(t *testing.T) {
	state := &closerState{}
	p := testutil.NewMockPlugin()
	p.HandleFunc = func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.SetState(state)
		ctx.SetResult("ok")
		return plugin.StatusDone, nil
	}
	engine := dispatch.NewEngine(testutil.Lookup{"p": p})

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	host.EmitErr = fmt.Errorf("client went away")

	assert.Equal(t, dispatch.OutcomeError, engine.Run(req))
	assert.Empty(t, host.Responses())
	assert.Equal(t, 1, state.closed)
}

func TestEngine_MaxRounds(t *testing.T) {
	p := testutil.NewMockPlugin()
	again := func(ctx *plugin.Context) (plugin.Status, error) {
		ctx.AddSubOperation("/loop", nil)
		return plugin.StatusAgain, nil
	}
	p.HandleFunc = again
	p.PostSubHandleFunc = again
	engine := dispatch.NewEngine(testutil.Lookup{"p": p}, dispatch.WithMaxRounds(3))

	req, host := newRequest(t, engine, http.MethodGet, "/p")
	host.AutoComplete = func(dispatch.Target, []byte) plugin.SubResult { return plugin.SubResult{Status: 200} }

	assert.Equal(t, dispatch.OutcomeError, engine.Run(req))
	assert.ErrorIs(t, req.Err(), pkgerrors.ErrPluginLogic)
	assert.Equal(t, 3, req.Rounds())
	assert.Len(t, host.Subs(), 3)
}

type countingRecorder struct {
	started, rounds int
	finished        map[string]int
	failed          map[string]int
}

func (c *countingRecorder) RequestStarted() { c.started++ }
func (c *countingRecorder) RequestFinished(_, outcome string, _ time.Duration) {
	c.finished[outcome]++
}
func (c *countingRecorder) RequestFailed(kind string) { c.failed[kind]++ }
func (c *countingRecorder) RoundIssued(size int)      { c.rounds += size }

func TestEngine_Recorder(t *testing.T) {
	rec := &countingRecorder{finished: map[string]int{}, failed: map[string]int{}}
	p := testutil.NewMockPlugin()
	engine := dispatch.NewEngine(testutil.Lookup{"p": p}, dispatch.WithRecorder(rec))

	req, _ := newRequest(t, engine, http.MethodGet, "/p")
	engine.Run(req)
	req, _ = newRequest(t, engine, http.MethodGet, "/missing")
	engine.Run(req)
	engine.Run(req)

	assert.Equal(t, 2, rec.started)
	assert.Equal(t, map[string]int{"done": 1, "error": 1}, rec.finished)
	assert.Equal(t, map[string]int{"plugin_not_found": 1}, rec.failed)
}
