package flow

import (
	"sort"
	"sync"
)

// Registry holds the flows a process can execute, keyed by name. Workers
// resolve queued jobs against it.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register installs the flow, replacing any prior registration of the same
// name.
func (r *Registry) Register(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.Name] = f
}

// Lookup returns the flow registered under name.
func (r *Registry) Lookup(name string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// Names lists the registered flow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
