// Package healing implements the per-node circuit breaker.
//
// Circuit Breaker states:
//   - CLOSED    (normal) → failure ratio exceeds threshold → OPEN
//   - OPEN      (saturated) → after timeout → HALF_OPEN
//   - HALF_OPEN (probation) → more than HalfOpenSuccesses successes → CLOSED
//
// The failure ratio is failures/(failures+successes) over counters that are
// only cleared on a successful half-open recovery. There is no edge from
// CLOSED to HALF_OPEN and none from OPEN straight to CLOSED.
package healing

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CBState represents the circuit breaker state.
type CBState int

const (
	CBClosed   CBState = iota // Normal operation
	CBOpen                    // Tripped, node treated as saturated
	CBHalfOpen                // Probation after the open timeout
)

// String returns a human-readable circuit breaker state.
func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CBState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name produced by MarshalText.
func (s *CBState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = CBClosed
	case "open":
		*s = CBOpen
	case "half-open":
		*s = CBHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	Threshold         float64       // failure ratio in (0,1] that trips the breaker
	Timeout           time.Duration // time in OPEN before HALF_OPEN
	ResetTime         time.Duration // reported in snapshots; drives no transition
	HalfOpenSuccesses int           // successes in HALF_OPEN must exceed this to close (default 5)
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:         0.5,
		Timeout:           30 * time.Second,
		ResetTime:         60 * time.Second,
		HalfOpenSuccesses: 5,
	}
}

// StateListener observes transitions. It runs outside the breaker lock.
type StateListener func(name string, from, to CBState)

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithListener registers a transition listener.
func WithListener(l StateListener) Option {
	return func(cb *CircuitBreaker) { cb.listener = l }
}

// CircuitBreaker tracks health for one node. Every transition happens under
// mu, which makes the breaker the critical section for its node.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	config      CircuitBreakerConfig
	clock       clock.Clock
	listener    StateListener
	state       CBState
	failures    int
	successes   int
	probes      int // successes since entering HALF_OPEN
	lastFailure time.Time
	trippedAt   time.Time
	totalTrips  int

	// generation increments on every trip so a timer armed for an earlier
	// open period cannot move a later one.
	generation uint64
	timer      *clock.Timer
	stopped    bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, opts ...Option) *CircuitBreaker {
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 5
	}
	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		state:  CBClosed,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker's name, the node id in the mesh.
func (cb *CircuitBreaker) Name() string { return cb.name }

// RecordFailure counts a failed health check and trips the breaker when the
// failure ratio passes the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	now := cb.clock.Now()

	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = now

	var from CBState
	tripped := false
	if cb.state != CBOpen && !cb.stopped && cb.ratioLocked() > cb.config.Threshold {
		from = cb.state
		cb.state = CBOpen
		cb.trippedAt = now
		cb.totalTrips++
		cb.generation++
		tripped = true
	}
	gen := cb.generation
	cb.mu.Unlock()

	if tripped {
		cb.arm(gen)
		cb.notify(from, CBOpen)
	}
}

// RecordSuccess counts a passed health check.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.successes++
	closed := false
	if cb.state == CBHalfOpen {
		cb.probes++
		if cb.probes > cb.config.HalfOpenSuccesses {
			cb.state = CBClosed
			cb.failures = 0
			cb.successes = 0
			cb.probes = 0
			closed = true
		}
	}
	cb.mu.Unlock()

	if closed {
		cb.notify(CBHalfOpen, CBClosed)
	}
}

// IsOpen reports whether the breaker is open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == CBOpen
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stop cancels any pending half-open timer and returns the state the breaker
// is frozen in. The breaker keeps answering queries but will not trip or
// leave OPEN again.
func (cb *CircuitBreaker) Stop() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stopped = true
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
	return cb.state
}

// arm schedules the OPEN → HALF_OPEN move for the given open period. The
// timer is created outside mu; a mock clock may run the callback inline.
func (cb *CircuitBreaker) arm(gen uint64) {
	t := cb.clock.AfterFunc(cb.config.Timeout, func() { cb.halfOpen(gen) })

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stopped || cb.generation != gen || cb.state != CBOpen {
		t.Stop()
		return
	}
	if cb.timer != nil {
		cb.timer.Stop()
	}
	cb.timer = t
}

func (cb *CircuitBreaker) halfOpen(gen uint64) {
	cb.mu.Lock()
	if cb.stopped || cb.generation != gen || cb.state != CBOpen {
		cb.mu.Unlock()
		return
	}
	cb.state = CBHalfOpen
	cb.probes = 0
	cb.timer = nil
	cb.mu.Unlock()

	cb.notify(CBOpen, CBHalfOpen)
}

func (cb *CircuitBreaker) ratioLocked() float64 {
	total := cb.failures + cb.successes
	if total == 0 {
		return 0
	}
	return float64(cb.failures) / float64(total)
}

func (cb *CircuitBreaker) notify(from, to CBState) {
	if cb.listener != nil {
		cb.listener(cb.name, from, to)
	}
}

// Snapshot is a point-in-time view of the circuit breaker.
type Snapshot struct {
	Name         string        `json:"name"`
	State        CBState       `json:"state"`
	Failures     int           `json:"failures"`
	Successes    int           `json:"successes"`
	FailureRatio float64       `json:"failureRatio"`
	TotalTrips   int           `json:"totalTrips"`
	LastFailure  time.Time     `json:"lastFailure,omitempty"`
	TrippedAt    time.Time     `json:"trippedAt,omitempty"`
	Threshold    float64       `json:"threshold"`
	Timeout      time.Duration `json:"timeout"`
	ResetTime    time.Duration `json:"resetTime"`
}

// Snapshot returns the current state snapshot.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:         cb.name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		FailureRatio: cb.ratioLocked(),
		TotalTrips:   cb.totalTrips,
		LastFailure:  cb.lastFailure,
		TrippedAt:    cb.trippedAt,
		Threshold:    cb.config.Threshold,
		Timeout:      cb.config.Timeout,
		ResetTime:    cb.config.ResetTime,
	}
}
