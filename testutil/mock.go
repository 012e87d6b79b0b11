package testutil

import (
	"sync"

	"github.com/c360/adfront/plugin"
)

// MockPlugin is a scriptable plugin.Plugin that counts its calls.
type MockPlugin struct {
	mu sync.Mutex

	InitFunc          func(config map[string]string) error
	DestroyFunc       func() error
	HandleFunc        func(ctx *plugin.Context) (plugin.Status, error)
	PostSubHandleFunc func(ctx *plugin.Context) (plugin.Status, error)

	Config map[string]string

	InitCalls          int
	DestroyCalls       int
	HandleCalls        int
	PostSubHandleCalls int
}

// NewMockPlugin returns a plugin whose Handle answers "ok".
func NewMockPlugin() *MockPlugin {
	return &MockPlugin{
		HandleFunc: func(ctx *plugin.Context) (plugin.Status, error) {
			ctx.SetResult("ok")
			return plugin.StatusDone, nil
		},
	}
}

// Init records the configuration.
func (m *MockPlugin) Init(config map[string]string) error {
	m.mu.Lock()
	m.InitCalls++
	m.Config = config
	fn := m.InitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(config)
	}
	return nil
}

// Destroy counts the call.
func (m *MockPlugin) Destroy() error {
	m.mu.Lock()
	m.DestroyCalls++
	fn := m.DestroyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// Handle delegates to HandleFunc.
func (m *MockPlugin) Handle(ctx *plugin.Context) (plugin.Status, error) {
	m.mu.Lock()
	m.HandleCalls++
	fn := m.HandleFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return plugin.StatusDone, nil
}

// PostSubHandle delegates to PostSubHandleFunc, defaulting to StatusDone.
func (m *MockPlugin) PostSubHandle(ctx *plugin.Context) (plugin.Status, error) {
	m.mu.Lock()
	m.PostSubHandleCalls++
	fn := m.PostSubHandleFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return plugin.StatusDone, nil
}

// Calls returns a snapshot of the call counters: init, destroy, handle, post.
func (m *MockPlugin) Calls() (initCalls, destroyCalls, handleCalls, postCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InitCalls, m.DestroyCalls, m.HandleCalls, m.PostSubHandleCalls
}

// Lookup is a map-backed dispatch.PluginLookup.
type Lookup map[string]plugin.Plugin

// GetPlugin implements dispatch.PluginLookup.
func (l Lookup) GetPlugin(name string) (plugin.Plugin, bool) {
	p, ok := l[name]
	return p, ok
}
