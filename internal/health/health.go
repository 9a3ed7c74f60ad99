// Package health aggregates subsystem health checks for the health endpoint.
package health

import (
	"context"
	"sort"
	"sync"
)

// Status is the result of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It should respect ctx deadlines; the server
// runs all checkers under a shared timeout.
type Checker func(ctx context.Context) Status

// Registry is a set of named checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker for name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers[name] = check
	r.mu.Unlock()
}

// CheckAll runs every checker and reports the overall result. Statuses come
// back in name order with Name filled in, so checkers need not set it.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	checks := make(map[string]Checker, len(r.checkers))
	for name, c := range r.checkers {
		checks[name] = c
	}
	r.mu.RUnlock()
	sort.Strings(names)

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := checks[name](ctx)
		st.Name = name
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
