package runner

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Registry is the static set of runners configured at process start.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates a registry holding runners.
func NewRegistry(runners ...Runner) (*Registry, error) {
	r := &Registry{runners: make(map[string]Runner, len(runners))}
	for _, rn := range runners {
		if err := r.Register(rn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds rn under its name.
func (r *Registry) Register(rn Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[rn.Name()]; ok {
		return apperrors.Conflict("runner", rn.Name(), fmt.Sprintf("runner %s already registered", rn.Name()))
	}
	r.runners[rn.Name()] = rn
	return nil
}

// Get returns the runner named name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[name]
	if !ok {
		return nil, apperrors.NotFound("runner", name)
	}
	return rn, nil
}

// Names returns the registered runner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns the registered runners ordered by name.
func (r *Registry) All() []Runner {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runner, len(names))
	for i, name := range names {
		out[i] = r.runners[name]
	}
	return out
}

// Ready checks every runner and reports all failures.
func (r *Registry) Ready(ctx context.Context) error {
	var result *multierror.Error
	for _, rn := range r.All() {
		if err := rn.Ready(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("runner %s: %w", rn.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// Close closes every runner.
func (r *Registry) Close() error {
	var result *multierror.Error
	for _, rn := range r.All() {
		if err := rn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("runner %s: %w", rn.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
