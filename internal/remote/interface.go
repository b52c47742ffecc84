// Package remote defines the abstract RPC surface the sync engine drives.
//
// The concrete remote-store SDK lives behind the Store interface; this
// package also owns the error taxonomy applied at the boundary, a bounded
// in-call retry helper for transient blips, and the ChangeNotifier
// abstraction with websocket and polling implementations.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// UpsertResult carries the server-assigned timestamp for a successful
// write. The clock engine feeds these back into its drift estimate.
type UpsertResult struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// PurgeResult is returned by the permanent-delete RPC.
type PurgeResult struct {
	PurgedCount   int      `json:"purged_count"`
	OrphanedPaths []string `json:"orphaned_paths,omitempty"`
}

// Session identifies the authenticated user, or is absent when the
// session has expired.
type Session struct {
	UserID string `json:"user_id"`
}

// Row is one record returned by a delta query.
type Row struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Store is the abstract CRUD/RPC interface over the remote authoritative
// store. All errors returned by implementations must already be
// classified (see Error/Kind).
type Store interface {
	// Upsert writes one entity snapshot to a collection.
	Upsert(ctx context.Context, collection string, record json.RawMessage) (*UpsertResult, error)

	// Delete soft-deletes one entity by id.
	Delete(ctx context.Context, collection, id string) error

	// Exists reports, in bulk, which of the given ids exist remotely.
	Exists(ctx context.Context, collection string, ids []string) (map[string]bool, error)

	// QueryTombstones returns the permanently deleted ids recorded
	// server-side for one project and collection.
	QueryTombstones(ctx context.Context, collection, projectID string) ([]string, error)

	// QuerySince returns rows whose updated_at is strictly after the
	// given bound. Callers widen the bound for clock skew themselves.
	QuerySince(ctx context.Context, collection, projectID string, after time.Time) ([]Row, error)

	// Purge permanently deletes the given ids and their attachments.
	Purge(ctx context.Context, projectID string, ids []string) (*PurgeResult, error)

	// ServerTime returns the remote store's current clock reading.
	ServerTime(ctx context.Context) (time.Time, error)

	// Session returns the current session, or nil when unauthenticated.
	Session(ctx context.Context) (*Session, error)

	// Counts returns per-collection entity counts for a project.
	Counts(ctx context.Context, projectID string) (map[string]int64, error)
}

// ChangeNotifier delivers remote-change signals for a project, either
// push-based (websocket) or poll-based. The orchestrator may fall back
// from one to the other on repeated delivery errors.
type ChangeNotifier interface {
	// Subscribe starts delivery of change signals for projectID and
	// blocks for the lifetime of the subscription. The callback must be
	// cheap; it typically just schedules a delta sync. A nil return
	// means clean shutdown; an error means the feed dropped.
	Subscribe(ctx context.Context, projectID string, onChange func()) error

	// Unsubscribe stops delivery and releases resources.
	Unsubscribe()
}
