package plugin

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/c360/adfront/errors"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOpener replaces how shared-object implementations are opened.
func WithOpener(open OpenFunc) ManagerOption {
	return func(m *Manager) {
		if open != nil {
			m.open = open
		}
	}
}

// Manager owns the process-wide set of loaded plugins.
//
// Init runs once before any request is dispatched. After that GetPlugin is
// a lock-free read of an immutable table and always returns the same
// instance for a given name.
type Manager struct {
	registry *Registry
	open     OpenFunc
	logger   *slog.Logger

	initMu  sync.Mutex
	started bool

	table     atomic.Pointer[map[string]Plugin]
	order     []string
	destroyed bool
}

// NewManager creates a manager resolving implementations from registry.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		open:     OpenShared,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads the plugin configuration at configPath and initialises every
// plugin it names.
func (m *Manager) Init(configPath string) error {
	entries, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	return m.InitEntries(entries)
}

// InitEntries initialises the given plugins. It may only succeed once per
// manager; on any failure the plugins initialised so far are destroyed and
// the manager stays empty.
func (m *Manager) InitEntries(entries []Entry) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.started {
		return errors.WrapFatal(errors.ErrAlreadyInitialized, "Manager", "Init", "plugin manager init")
	}
	// Single-shot even when loading fails.
	m.started = true

	table := make(map[string]Plugin, len(entries))
	order := make([]string, 0, len(entries))

	for _, entry := range entries {
		if _, dup := table[entry.Name]; dup {
			err := errors.WrapFatal(errors.ErrConfig, "Manager", "Init",
				fmt.Sprintf("plugin %q configured twice", entry.Name))
			return m.rollback(err, table, order)
		}

		p, err := m.build(entry)
		if err != nil {
			return m.rollback(err, table, order)
		}

		if err := p.Init(entry.Config); err != nil {
			err = errors.WrapFatal(multierr.Append(errors.ErrConfig, err), "Manager", "Init",
				fmt.Sprintf("init plugin %q", entry.Name))
			return m.rollback(err, table, order)
		}

		table[entry.Name] = p
		order = append(order, entry.Name)
		m.logger.Info("Plugin loaded",
			"plugin", entry.Name,
			"implementation", entry.Implementation,
			"dynamic", entry.Dynamic())
	}

	m.order = order
	m.table.Store(&table)
	return nil
}

// build resolves an entry to a fresh plugin instance.
func (m *Manager) build(entry Entry) (Plugin, error) {
	var factory Factory
	if entry.Dynamic() {
		f, err := m.open(entry.Implementation)
		if err != nil {
			return nil, errors.WrapFatal(multierr.Append(errors.ErrConfig, err), "Manager", "Init",
				fmt.Sprintf("open plugin %q", entry.Name))
		}
		factory = f
	} else {
		reg, ok := m.registry.Factory(entry.Implementation)
		if !ok {
			return nil, errors.WrapFatal(errors.ErrConfig, "Manager", "Init",
				fmt.Sprintf("plugin %q: unknown implementation %q (available: %v)",
					entry.Name, entry.Implementation, m.registry.ListFactories()))
		}
		factory = reg.Factory
	}

	p := factory()
	if p == nil {
		return nil, errors.WrapFatal(errors.ErrConfig, "Manager", "Init",
			fmt.Sprintf("plugin %q: factory returned nil", entry.Name))
	}
	return p, nil
}

// rollback destroys already-initialised plugins in reverse order and folds
// their errors into cause.
func (m *Manager) rollback(cause error, table map[string]Plugin, order []string) error {
	m.logger.Error("Plugin loading failed, rolling back", "error", cause, "initialized", len(order))
	for _, name := range slices.Backward(order) {
		if err := table[name].Destroy(); err != nil {
			cause = multierr.Append(cause, errors.Wrap(err, "Manager", "Init",
				fmt.Sprintf("destroy plugin %q", name)))
		}
	}
	return cause
}

// GetPlugin returns the plugin registered under name.
func (m *Manager) GetPlugin(name string) (Plugin, bool) {
	table := m.table.Load()
	if table == nil {
		return nil, false
	}
	p, ok := (*table)[name]
	return p, ok
}

// Names returns the loaded plugin names in initialisation order.
func (m *Manager) Names() []string {
	if m.table.Load() == nil {
		return nil
	}
	return slices.Clone(m.order)
}

// Len returns the number of loaded plugins.
func (m *Manager) Len() int {
	table := m.table.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}

// Destroy calls Destroy on every plugin in reverse initialisation order and
// returns the combined errors. Later calls do nothing.
func (m *Manager) Destroy() error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	table := m.table.Load()
	if table == nil || m.destroyed {
		return nil
	}
	m.destroyed = true

	var errs error
	for _, name := range slices.Backward(m.order) {
		if err := (*table)[name].Destroy(); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "Manager", "Destroy",
				fmt.Sprintf("destroy plugin %q", name)))
		}
	}

	empty := map[string]Plugin{}
	m.table.Store(&empty)
	m.logger.Info("Plugins destroyed", "count", len(m.order))
	return errs
}
