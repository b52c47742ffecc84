// Package breaker implements the failure-isolation state machine gating
// outgoing remote writes.
//
// A breaker trips open after a configured number of consecutive qualifying
// failures. While open, callers route mutations straight to the durable
// retry queue instead of attempting the network call. After the recovery
// window the breaker admits exactly one probe; the probe's outcome decides
// whether the circuit closes again or reopens with a fresh timer.
//
// Independent sub-circuits (see Set) keep one failing operation class from
// blocking unrelated writes.
package breaker

import (
	"sync"
	"time"

	"github.com/gridwell/gridsync/internal/remote"
)

// State is the circuit position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is one circuit. Safe for concurrent use.
type Breaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New creates a closed breaker that opens after threshold consecutive
// qualifying failures and begins probing after the recovery window.
func New(threshold int, recovery time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
	}
}

// NewWithClock creates a breaker with an injectable clock for tests.
func NewWithClock(threshold int, recovery time.Duration, now func() time.Time) *Breaker {
	b := New(threshold, recovery)
	b.now = now
	return b
}

// Allow reports whether a remote call may be attempted right now.
//
// When the circuit is open and the recovery window has elapsed, the call
// transitions to half-open and exactly one caller is granted the probe.
// Callers that are denied must treat the operation as failed-and-retryable
// without touching the network.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Success records a successful remote call. In half-open this closes the
// circuit; in closed it resets the consecutive-failure counter.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	b.state = StateClosed
}

// ReleaseProbe returns an unused half-open probe slot. A caller granted
// the probe by Allow that could not reach the network at all (cancelled
// context, shutdown) must release it; otherwise the circuit would deny
// every future call. No-op outside half-open.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// Failure records a failed remote call of the given classification.
//
// Only qualifying classes (transport-level failures) count toward the
// threshold. A non-qualifying failure in half-open still proves the remote
// is reachable, so it closes the circuit.
func (b *Breaker) Failure(kind remote.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !kind.TripsBreaker() {
		if b.state == StateHalfOpen {
			b.failures = 0
			b.probeInFlight = false
			b.state = StateClosed
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		// Probe failed: reopen with a fresh timer.
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		b.failures = b.threshold
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateOpen:
		b.openedAt = b.now()
	}
}

// State returns the current circuit position, accounting for an elapsed
// recovery window (an open circuit past its window reports half-open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recovery {
		return StateHalfOpen
	}
	return b.state
}

// OpenedAt returns when the circuit last opened. Zero when it never has.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Set is a collection of independent sub-circuits keyed by operation
// class, so e.g. a failing purge endpoint does not block regular writes.
type Set struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*Breaker
}

// NewSet creates a breaker set; each class gets its own circuit with the
// same threshold and recovery window.
func NewSet(threshold int, recovery time.Duration) *Set {
	return &Set{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
		circuits:  make(map[string]*Breaker),
	}
}

// NewSetWithClock creates a Set whose circuits share an injectable clock.
func NewSetWithClock(threshold int, recovery time.Duration, now func() time.Time) *Set {
	s := NewSet(threshold, recovery)
	s.now = now
	return s
}

// For returns the circuit for the given operation class, creating it on
// first use.
func (s *Set) For(class string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.circuits[class]
	if !ok {
		b = NewWithClock(s.threshold, s.recovery, s.now)
		s.circuits[class] = b
	}
	return b
}

// AnyOpen reports whether any sub-circuit is currently open.
func (s *Set) AnyOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.circuits {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}
