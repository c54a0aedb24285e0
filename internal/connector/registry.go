package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connector names to their Connector implementation. Ground:
// system/core/registry.go's module-registry pattern, trimmed to the one
// axis this core needs (name → capability set) instead of the teacher's
// many domain-engine accessor methods.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Connector)}
}

// Register adds a connector. Names must be unique.
func (r *Registry) Register(c Connector) error {
	if c == nil {
		return fmt.Errorf("connector: nil connector")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("connector: name required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("connector: %q already registered", name)
	}
	r.byName[name] = c
	return nil
}

// Lookup returns the connector registered under name, if any.
func (r *Registry) Lookup(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// Names returns registered connector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
