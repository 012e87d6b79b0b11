package plugin

import (
	"fmt"
	"slices"
	"sync"

	"github.com/c360/adfront/errors"
)

// Factory builds a fresh, uninitialised plugin instance.
type Factory func() Plugin

// Registration holds a factory and its metadata.
type Registration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	Factory     Factory `json:"-"`
}

// Registry holds the plugin implementations that configuration can refer to
// by name. It is safe for concurrent use.
type Registry struct {
	factories map[string]*Registration
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*Registration),
	}
}

// RegisterFactory registers an implementation under name.
// Returns an error if the name is already taken.
func (r *Registry) RegisterFactory(name string, registration *Registration) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory name validation")
	}
	if registration == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "registration validation")
	}
	if registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		msg := fmt.Errorf("factory '%s' is already registered", name)
		return errors.WrapInvalid(msg, "Registry", "RegisterFactory", "duplicate factory check")
	}

	if registration.Name == "" {
		registration.Name = name
	}
	r.factories[name] = registration
	return nil
}

// Register is shorthand for RegisterFactory with only a factory.
func (r *Registry) Register(name, description string, factory Factory) error {
	return r.RegisterFactory(name, &Registration{
		Name:        name,
		Description: description,
		Version:     "0.1.0",
		Factory:     factory,
	})
}

// Factory returns the registration for name.
func (r *Registry) Factory(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.factories[name]
	return reg, ok
}

// ListFactories returns the registered names in sorted order.
func (r *Registry) ListFactories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
