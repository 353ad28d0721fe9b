package tool

import (
	"fmt"
	"sync"
)

// Factory constructs a Tool instance.
type Factory func() (Tool, error)

// Registry maps tool names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given name, replacing any previous
// registration.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[name] = factory
}

// Get constructs the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return factory()
}

// List returns the registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

var defaultRegistry = NewRegistry()

// Register adds a tool factory to the default registry. Implementations
// call this from their init functions; consumers blank-import the
// implementation packages they want available.
func Register(name string, factory Factory) {
	defaultRegistry.Register(name, factory)
}

// Get constructs a tool from the default registry.
func Get(name string) (Tool, error) {
	return defaultRegistry.Get(name)
}

// List returns the names registered in the default registry.
func List() []string {
	return defaultRegistry.List()
}
