// Package circuitbreaker sheds calls to a failing upstream. The payments
// gateway client keys one circuit per endpoint family, so a broken
// transfer API does not also block funding verifications.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit position for one key.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests are rejected outright
	StateHalfOpen              // one probe in flight to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// circuit is the mutable state for one key.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per key. threshold failures in a row
// trip the circuit open; after openFor it admits a single probe, and the
// probe's outcome decides between closing and reopening.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	openFor   time.Duration
	onChange  func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and a 30 second open window.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		openFor:   openFor,
	}
}

// OnTransition registers a callback fired (on its own goroutine) whenever
// a circuit changes state.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call to key should proceed. An open circuit
// whose window has elapsed moves to half-open and admits the caller as
// the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if time.Since(c.openedAt) < b.openFor {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already out.
		return false
	default:
		return true
	}
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.setState(key, c, StateClosed)
	}
	c.failures = 0
}

// RecordFailure extends the failure streak, tripping the circuit at the
// threshold. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	c.failures++

	switch {
	case c.state == StateHalfOpen:
		b.setState(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.setState(key, c, StateOpen)
	}
}

// State returns the circuit position for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// setState transitions and emits. Caller holds b.mu.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if to == StateOpen {
		c.openedAt = time.Now()
	}
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onChange != nil {
		fn := b.onChange
		go fn(key, from, to)
	}
}
