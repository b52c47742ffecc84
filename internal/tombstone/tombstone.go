// Package tombstone tracks permanently deleted entity ids so stale copies
// can never be resurrected by a late upsert.
//
// The source of truth is the remote store's tombstone query; a local
// durable mirror keeps protection working when that query is unavailable,
// and a short-TTL in-memory cache keyed by project bounds query fan-out.
// Once an id is tombstoned, no upsert for it may reach the remote store
// unless the tombstone is explicitly cleared.
package tombstone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mirror is the durable local tombstone keyspace (implemented by the
// store package).
type Mirror interface {
	AddTombstones(ctx context.Context, projectID, collection string, ids []string, deletedAt time.Time) error
	RemoveTombstones(ctx context.Context, collection string, ids []string) error
	Tombstones(ctx context.Context, projectID, collection string) (map[string]time.Time, error)
}

// RemoteQuerier is the slice of the remote interface the store needs.
type RemoteQuerier interface {
	QueryTombstones(ctx context.Context, collection, projectID string) ([]string, error)
}

// Config tunes the store.
type Config struct {
	// CacheTTL bounds how long a remote tombstone query result is
	// reused before re-querying.
	CacheTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CacheTTL: 5 * time.Minute}
}

type cacheEntry struct {
	ids       map[string]struct{}
	fetchedAt time.Time
}

// Store merges the local mirror with TTL-cached remote tombstone queries.
// Safe for concurrent use.
type Store struct {
	mirror Mirror
	remote RemoteQuerier
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry // projectID + "/" + collection
}

// New creates a tombstone store.
func New(mirror Mirror, remote RemoteQuerier, cfg Config, log zerolog.Logger) *Store {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Store{
		mirror: mirror,
		remote: remote,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		cache:  make(map[string]*cacheEntry),
	}
}

// NewWithClock creates a store with an injectable clock for tests.
func NewWithClock(mirror Mirror, remote RemoteQuerier, cfg Config, log zerolog.Logger, now func() time.Time) *Store {
	s := New(mirror, remote, cfg, log)
	s.now = now
	return s
}

// DeletedSet returns the union of locally mirrored and remotely recorded
// tombstoned ids for one project and collection.
//
// A failing remote query falls back to the mirror alone: the store never
// fails open by assuming nothing is deleted. Drain cycles call this once
// per collection rather than once per item.
func (s *Store) DeletedSet(ctx context.Context, projectID, collection string) (map[string]struct{}, error) {
	result := make(map[string]struct{})

	local, err := s.mirror.Tombstones(ctx, projectID, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read local tombstone mirror: %w", err)
	}
	for id := range local {
		result[id] = struct{}{}
	}

	remoteIDs, err := s.remoteSet(ctx, projectID, collection)
	if err != nil {
		s.log.Debug().Err(err).
			Str("project", projectID).
			Str("collection", collection).
			Msg("remote tombstone query failed, using local mirror only")
		return result, nil
	}
	for id := range remoteIDs {
		result[id] = struct{}{}
	}
	return result, nil
}

// Deleted reports whether one entity id is tombstoned.
func (s *Store) Deleted(ctx context.Context, projectID, collection, id string) (bool, error) {
	set, err := s.DeletedSet(ctx, projectID, collection)
	if err != nil {
		return false, err
	}
	_, ok := set[id]
	return ok, nil
}

// remoteSet returns the remote tombstone ids, served from the TTL cache
// when fresh.
func (s *Store) remoteSet(ctx context.Context, projectID, collection string) (map[string]struct{}, error) {
	key := projectID + "/" + collection

	s.mu.Lock()
	entry, ok := s.cache[key]
	if ok && s.now().Sub(entry.fetchedAt) < s.cfg.CacheTTL {
		ids := entry.ids
		s.mu.Unlock()
		return ids, nil
	}
	s.mu.Unlock()

	remoteIDs, err := s.remote.QueryTombstones(ctx, collection, projectID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	s.cache[key] = &cacheEntry{ids: set, fetchedAt: s.now()}
	s.mu.Unlock()
	return set, nil
}

// MarkDeleted records ids as permanently deleted in the local mirror.
//
// Called immediately after a successful purge RPC even though the server
// wrote its own tombstones: the redundancy protects the multi-device case
// where a second device pushes a stale upsert before the server tombstone
// propagates. The project's cache entries are invalidated.
func (s *Store) MarkDeleted(ctx context.Context, projectID, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.mirror.AddTombstones(ctx, projectID, collection, ids, s.now()); err != nil {
		return fmt.Errorf("failed to mirror tombstones: %w", err)
	}
	s.Invalidate(projectID)
	return nil
}

// Clear removes ids from the local mirror. Only called after the caller
// has independently confirmed the remote tombstone for those ids is
// authoritative, never speculatively.
func (s *Store) Clear(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.mirror.RemoveTombstones(ctx, collection, ids); err != nil {
		return fmt.Errorf("failed to clear mirrored tombstones: %w", err)
	}

	// Drop every cache entry for the collection; entries are keyed by
	// project and the ids' projects are not known here.
	s.mu.Lock()
	for key := range s.cache {
		if len(key) >= len(collection) && key[len(key)-len(collection):] == collection {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Reconcile clears locally mirrored tombstones that the remote store has
// confirmed (an uncached query observes them server-side). The remote
// record is authoritative at that point, so the local copy is redundant.
// Returns how many ids were cleared.
func (s *Store) Reconcile(ctx context.Context, projectID, collection string) (int, error) {
	local, err := s.mirror.Tombstones(ctx, projectID, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to read local tombstone mirror: %w", err)
	}
	if len(local) == 0 {
		return 0, nil
	}

	remoteIDs, err := s.remote.QueryTombstones(ctx, collection, projectID)
	if err != nil {
		return 0, fmt.Errorf("remote tombstone query failed, nothing cleared: %w", err)
	}
	remoteSet := make(map[string]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		remoteSet[id] = struct{}{}
	}

	var confirmed []string
	for id := range local {
		if _, ok := remoteSet[id]; ok {
			confirmed = append(confirmed, id)
		}
	}
	if err := s.Clear(ctx, collection, confirmed); err != nil {
		return 0, err
	}
	return len(confirmed), nil
}

// Invalidate drops the cached remote query results for one project.
// Called on any local delete of that project's entities.
func (s *Store) Invalidate(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if len(key) > len(projectID) && key[:len(projectID)+1] == projectID+"/" {
			delete(s.cache, key)
		}
	}
}
