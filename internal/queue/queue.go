// Package queue implements the durable, bounded retry queue of pending
// remote mutations.
//
// The queue is FIFO per entity with last-write-wins dedupe: enqueueing the
// same entity twice before a drain collapses to one entry carrying the
// latest payload. Drains process a snapshot in entity-type dependency
// order (project -> task -> connection -> note) with a batched existence
// and tombstone pre-check, so referential constraints on the remote side
// hold even when retries run out of original arrival order.
//
// Every mutation (enqueue, dequeue, retry bump) is written through to
// durable storage before the in-memory queue is considered authoritative.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwell/gridsync/internal/model"
	"github.com/gridwell/gridsync/internal/store"
)

// Persister is the durable storage slice the queue writes through to
// (implemented by the store package).
type Persister interface {
	SaveQueue(ctx context.Context, items []*model.MutationItem) error
	LoadQueue(ctx context.Context) ([]*model.MutationItem, error)
}

// Config tunes the queue.
type Config struct {
	// MaxSize bounds the queue; at capacity the oldest item is evicted
	// with a surfaced warning. Data loss is explicit, never silent.
	MaxSize int

	// MaxRetries drops an item after this many failed attempts.
	MaxRetries int

	// MaxAge purges items older than this on load (default 24h).
	MaxAge time.Duration

	// PersistTimeout bounds each durable write.
	PersistTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:        500,
		MaxRetries:     8,
		MaxAge:         24 * time.Hour,
		PersistTimeout: 5 * time.Second,
	}
}

// Queue is the durable retry queue. Enqueue may be called from any
// goroutine; Drain is called by the single sync worker.
type Queue struct {
	cfg  Config
	log  zerolog.Logger
	warn func(msg string)
	now  func() time.Time

	mu      sync.Mutex
	items   []*model.MutationItem
	byKey   map[string]*model.MutationItem
	persist Persister
}

// Option configures optional collaborators.
type Option func(*Queue)

// WithWarnFunc routes user-visible warnings (evictions, dropped items)
// to the given callback in addition to the log.
func WithWarnFunc(fn func(msg string)) Option {
	return func(q *Queue) { q.warn = fn }
}

// WithClock injects a wall clock for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New loads the persisted queue, purges items past their max age, and
// returns the queue ready for use.
func New(persist Persister, cfg Config, log zerolog.Logger, opts ...Option) (*Queue, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}

	q := &Queue{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		byKey:   make(map[string]*model.MutationItem),
		persist: persist,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.warn == nil {
		q.warn = func(msg string) { q.log.Warn().Msg(msg) }
	}

	loaded, err := persist.LoadQueue(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation queue: %w", err)
	}

	cutoff := q.now().Add(-cfg.MaxAge)
	expired := 0
	for _, item := range loaded {
		if item.CreatedAt.Before(cutoff) {
			expired++
			continue
		}
		q.items = append(q.items, item)
		q.byKey[item.Key()] = item
	}
	if expired > 0 {
		q.log.Info().Int("expired", expired).Msg("purged expired queue items on load")
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Len returns the number of pending mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued items in arrival order, for status
// displays and tests.
func (q *Queue) Pending() []*model.MutationItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.MutationItem, len(q.items))
	copy(out, q.items)
	return out
}

// Enqueue records one pending mutation. It returns false and surfaces a
// warning when the payload lacks an id or the entity type requires a
// project id that is missing.
//
// Enqueueing an entity already in the queue replaces the pending entry
// with a fresh one in the same queue position (last write wins within
// the queue) and resets its retry count. The old entry is never mutated;
// a drain may still hold its pointer without the lock.
func (q *Queue) Enqueue(entityType model.EntityType, op model.Operation, payload []byte, projectID string) bool {
	if !entityType.Valid() {
		q.warn(fmt.Sprintf("rejected queue item: unknown entity type %q", entityType))
		return false
	}
	item := model.NewMutationItem(entityType, op, payload, projectID, q.now())
	if item.EntityID() == "" {
		q.warn(fmt.Sprintf("rejected %s queue item: payload has no id", entityType))
		return false
	}
	if entityType.RequiresProject() && projectID == "" {
		q.warn(fmt.Sprintf("rejected %s queue item %s: missing project id", entityType, item.EntityID()))
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[item.Key()]; ok {
		item.CreatedAt = existing.CreatedAt
		for i, it := range q.items {
			if it == existing {
				q.items[i] = item
				break
			}
		}
		q.byKey[item.Key()] = item
	} else {
		if len(q.items) >= q.cfg.MaxSize {
			evicted := q.items[0]
			q.removeLocked(evicted)
			q.warn(fmt.Sprintf("mutation queue full (%d): evicted oldest item %s", q.cfg.MaxSize, evicted.Key()))
		}
		q.items = append(q.items, item)
		q.byKey[item.Key()] = item
	}

	if err := q.persistLocked(); err != nil {
		q.log.Error().Err(err).Msg("failed to persist queue after enqueue")
	}
	return true
}

// FlushSync synchronously persists the in-memory queue. Safe to call from
// a shutdown hook: it performs no network I/O, only the durable write.
func (q *Queue) FlushSync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persistLocked(); err != nil {
		q.log.Error().Err(err).Msg("failed to flush queue")
	}
}

// removeLocked drops an item from both the slice and the key index.
// Caller holds q.mu.
func (q *Queue) removeLocked(item *model.MutationItem) {
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	if q.byKey[item.Key()] == item {
		delete(q.byKey, item.Key())
	}
}

// persistLocked writes the queue through to durable storage, running the
// shrink strategy on quota failures. Caller holds q.mu.
//
// Eviction priority when storage pressure forces shrinking is a single
// deterministic order: expired first, then over-retried, then the oldest
// half, then the largest payloads. Each step re-attempts the persist; the
// pass counter bounds the recursion.
func (q *Queue) persistLocked() error {
	return q.persistShrinking(0)
}

func (q *Queue) persistShrinking(pass int) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.PersistTimeout)
	defer cancel()

	err := q.persist.SaveQueue(ctx, q.items)
	if err == nil || !store.IsQuota(err) || pass >= 3 {
		if err != nil {
			return fmt.Errorf("failed to persist queue: %w", err)
		}
		return nil
	}

	before := len(q.items)
	switch pass {
	case 0:
		q.shrinkExpiredAndOverRetried()
	case 1:
		q.shrinkOldestHalf()
	case 2:
		q.shrinkLargestPayloads()
	}
	q.warn(fmt.Sprintf("storage quota exceeded: shrank queue from %d to %d items", before, len(q.items)))
	return q.persistShrinking(pass + 1)
}

func (q *Queue) shrinkExpiredAndOverRetried() {
	cutoff := q.now().Add(-q.cfg.MaxAge)
	kept := q.items[:0]
	for _, item := range q.items {
		if item.CreatedAt.Before(cutoff) || item.RetryCount >= q.cfg.MaxRetries {
			delete(q.byKey, item.Key())
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
}

func (q *Queue) shrinkOldestHalf() {
	if len(q.items) < 2 {
		return
	}
	drop := len(q.items) / 2
	for _, item := range q.items[:drop] {
		delete(q.byKey, item.Key())
	}
	q.items = append(q.items[:0], q.items[drop:]...)
}

func (q *Queue) shrinkLargestPayloads() {
	if len(q.items) < 2 {
		return
	}
	bySize := make([]*model.MutationItem, len(q.items))
	copy(bySize, q.items)
	sort.SliceStable(bySize, func(i, j int) bool {
		return len(bySize[i].Payload) > len(bySize[j].Payload)
	})
	dropSet := make(map[*model.MutationItem]struct{})
	for _, item := range bySize[:len(bySize)/2] {
		dropSet[item] = struct{}{}
	}
	kept := q.items[:0]
	for _, item := range q.items {
		if _, drop := dropSet[item]; drop {
			delete(q.byKey, item.Key())
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
}
