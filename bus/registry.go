package bus

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns the named lines of a runtime.
type Registry struct {
	mu    sync.RWMutex
	lines map[string]*Line
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{lines: make(map[string]*Line)}
}

// Add creates and registers a new line.
func (r *Registry) Add(id string, width int, analog bool) (*Line, error) {
	if id == "" {
		return nil, fmt.Errorf("line id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lines[id]; exists {
		return nil, fmt.Errorf("duplicate line id %q", id)
	}
	line := NewLine(id, width, analog)
	r.lines[id] = line
	return line, nil
}

// Get returns the line registered under id.
func (r *Registry) Get(id string) (*Line, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	line, ok := r.lines[id]
	if !ok {
		return nil, fmt.Errorf("unknown line %q", id)
	}
	return line, nil
}

// IDs returns the registered line ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.lines))
	for id := range r.lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every registered line.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, line := range r.lines {
		line.Close()
	}
}
