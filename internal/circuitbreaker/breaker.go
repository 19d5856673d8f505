// Package circuitbreaker implements per-step failure accounting for the
// triage pipeline. A step that fails repeatedly is disabled outright until a
// reset period elapses, so a broken dependency cannot burn the run budget on
// every triage.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow when the step is disabled.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit state for observability.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the trip policy shared by every breaker in a registry.
type Config struct {
	// FailThreshold is the number of consecutive failures that opens the
	// circuit.
	FailThreshold int
	// Reset is how long after the last failure the next call is allowed
	// through again (implicit half-open).
	Reset time.Duration
}

// DefaultConfig matches the documented defaults: trip after 3 consecutive
// failures, reset 30 seconds after the last one.
func DefaultConfig() Config {
	return Config{FailThreshold: 3, Reset: 30 * time.Second}
}

// Breaker tracks one step's failure state.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	failures    int
	lastFailure time.Time
	open        bool
}

func newBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// Allow reports whether the next call may proceed. An open circuit rejects
// immediately; once Reset has elapsed since the last failure the call is let
// through and its outcome decides whether the circuit closes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if time.Since(b.lastFailure) >= b.cfg.Reset {
		// Half-open: the probe call runs; RecordSuccess clears the state.
		return nil
	}
	return ErrCircuitOpen
}

// RecordSuccess clears the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.cfg.FailThreshold {
		b.open = true
	}
}

// State returns the current state without consuming the probe slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && time.Since(b.lastFailure) < b.cfg.Reset {
		return StateOpen
	}
	return StateClosed
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	Step        string    `json:"step"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Registry holds one breaker per step name. It is shared process-wide across
// concurrent runs; contention is low because writes happen only on failure.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Reset <= 0 {
		cfg.Reset = 30 * time.Second
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a step, creating it on first use.
func (r *Registry) Get(step string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[step]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[step]; ok {
		return b
	}
	b = newBreaker(r.cfg)
	r.breakers[step] = b
	return b
}

// Stats snapshots every breaker, keyed by step name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.breakers))
	for step, b := range r.breakers {
		b.mu.Lock()
		out = append(out, Stats{
			Step:        step,
			State:       b.stateLocked().String(),
			Failures:    b.failures,
			LastFailure: b.lastFailure,
		})
		b.mu.Unlock()
	}
	return out
}

func (b *Breaker) stateLocked() State {
	if b.open && time.Since(b.lastFailure) < b.cfg.Reset {
		return StateOpen
	}
	return StateClosed
}
