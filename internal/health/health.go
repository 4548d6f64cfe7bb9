// Package health aggregates named subsystem probes for the /health
// endpoint. A probe answers for one dependency (the database, the payment
// gateway); the registry runs them all and reports the worst case.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout caps how long a single probe may take, so one stuck
// dependency does not hold the health endpoint open.
const checkTimeout = 3 * time.Second

// Status is one subsystem's answer.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// RegisterPing adds a checker backed by a ping-style function: nil means
// healthy, any error becomes the status detail.
func (r *Registry) RegisterPing(name string, ping func(ctx context.Context) error) {
	r.Register(name, func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	})
}

// CheckAll runs every registered checker under a per-check timeout and
// returns the aggregate verdict plus individual results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
