// Package provider implements the provider adapter registry and the
// credential manager shared by all upstream adapters.
package provider

import (
	"fmt"
	"slices"
	"sync"

	proxy "github.com/opendum/opendum/internal"
)

// Registry maps provider tags to proxy.Adapter instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]proxy.Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]proxy.Adapter)}
}

// Register adds an adapter under its own Name().
// It overwrites any previously registered adapter with the same name.
func (r *Registry) Register(a proxy.Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter registered under name, or an error if not found.
func (r *Registry) Get(name string) (proxy.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return a, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.adapters {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
