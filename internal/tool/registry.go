package tool

import (
	"fmt"
	"jobengine/internal/apperrors"
	"slices"
	"sync"
)

// Registry maps tool ids to descriptors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// LoadRegistry compiles every definition into a new registry.
func LoadRegistry(defs []Definition) (*Registry, error) {
	r := NewRegistry()
	for i, def := range defs {
		t, err := NewTemplate(def)
		if err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		if err := r.Register(t); err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	return r, nil
}

// Register adds d. Registering the same id twice is a conflict.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[d.ID()]; ok {
		return apperrors.Conflict("tool", d.ID(), fmt.Sprintf("tool %s already registered", d.ID()))
	}
	r.tools[d.ID()] = d
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[id]
	if !ok {
		return nil, apperrors.NotFound("tool", id)
	}
	return d, nil
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
	return out
}
