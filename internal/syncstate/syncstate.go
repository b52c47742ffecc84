// Package syncstate exposes the sync engine's derived state to observers.
//
// The UI layer only ever reads snapshots or registers callbacks; it never
// mutates queue, tombstone, or circuit state directly. Subscriber
// notification is explicit callback registration rather than a
// framework-managed signal graph.
package syncstate

import (
	"sync"
	"time"
)

// Status is a read-only snapshot of the sync engine's observable state.
type Status struct {
	// PendingCount is the current depth of the durable retry queue.
	PendingCount int

	// Syncing is true while a drain or push is in flight.
	Syncing bool

	// LastSyncAt is when the last successful sync completed.
	LastSyncAt time.Time

	// LastError is the most recent permanent failure, empty when none.
	LastError string

	// LastWarning is the most recent user-visible warning (capacity,
	// eviction, count drift). Non-auto-dismissing: it stays until the
	// next warning replaces it or the UI acknowledges it out of band.
	LastWarning string

	// Conflict is set when a version conflict needs user reconciliation.
	Conflict bool

	// CircuitOpen is true while any write circuit is open.
	CircuitOpen bool

	// AuthPaused is true while writes are suspended pending
	// re-authentication.
	AuthPaused bool

	// ClockStatus mirrors the drift classification (unknown, synced,
	// warning, error).
	ClockStatus string
}

// Tracker holds the current status and notifies subscribers on change.
// Updates come from the single sync worker; reads may come from anywhere.
type Tracker struct {
	mu     sync.Mutex
	cur    Status
	subs   map[int]func(Status)
	nextID int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{subs: make(map[int]func(Status))}
}

// Current returns the latest snapshot.
func (t *Tracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Subscribe registers a callback invoked with every new snapshot. The
// returned function unsubscribes. Callbacks run synchronously on the
// updating goroutine and must be cheap.
func (t *Tracker) Subscribe(fn func(Status)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Update applies mutate to the current status and notifies subscribers.
func (t *Tracker) Update(mutate func(*Status)) {
	t.mu.Lock()
	mutate(&t.cur)
	snapshot := t.cur
	subs := make([]func(Status), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Warn records a user-visible warning.
func (t *Tracker) Warn(msg string) {
	t.Update(func(s *Status) { s.LastWarning = msg })
}
