// Package health provides a registry of named dependency checks and the
// HTTP health endpoints built on it.
package health

import (
	"context"
	"sync"
)

// Status represents the health of a single dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Optional checks report problems without degrading the aggregate.
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// State is the one-word (or "error: ...") rendering used in payloads.
func (s Status) State() string {
	if s.Detail != "" {
		return s.Detail
	}
	if s.Healthy {
		return "connected"
	}
	return "error"
}

// Checker is a function that checks the health of a dependency.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name     string
	optional bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterOptional adds a checker whose failure is reported but does not
// make the registry unhealthy.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(namedChecker{name: name, optional: true, check: check})
}

func (r *Registry) add(nc namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, nc)
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		st := nc.check(ctx)
		st.Name = nc.name
		st.Optional = nc.optional
		statuses[i] = st
		if !st.Healthy && !st.Optional {
			healthy = false
		}
	}

	return healthy, statuses
}
