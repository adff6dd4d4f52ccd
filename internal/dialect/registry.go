package dialect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds registered dialects keyed by name and alias.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Dialect
	names   map[string]struct{}
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Dialect),
		names:   make(map[string]struct{}),
	}
}

// Register adds or replaces a dialect under its name and aliases.
func (r *Registry) Register(d *Dialect) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(d.Name)] = d
	r.names[d.Name] = struct{}{}
	for _, alias := range d.Aliases {
		r.entries[strings.ToLower(alias)] = d
	}
}

// Get retrieves a dialect by name or alias, case-insensitively.
// Returns nil if not found.
func (r *Registry) Get(name string) *Dialect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[strings.ToLower(strings.TrimSpace(name))]
}

// Lookup is Get with an error naming the supported types.
func (r *Registry) Lookup(name string) (*Dialect, error) {
	if d := r.Get(name); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, name, strings.Join(r.Names(), ", "))
}

// Names returns the canonical names of all registered dialects, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in dialects.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PostgreSQL())
	r.Register(MySQL())
	r.Register(SQLServer())
	r.Register(SQLite())
	return r
}
