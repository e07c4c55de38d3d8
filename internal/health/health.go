// Package health aggregates per-subsystem health checks (Postgres,
// Redis, the model client) behind the readiness endpoint.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's verdict, as reported by /health/ready.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects one dependency. Implementations should honor the
// context deadline; a hung database ping must not hang readiness.
type Checker func(ctx context.Context) Status

// Registry collects checkers as the server wires its dependencies and
// runs them together on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under the given subsystem name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker. The aggregate is healthy
// only when all subsystems are; individual results ride along for the
// readiness payload.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
