package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/gridwell/gridsync/internal/model"
	"github.com/gridwell/gridsync/internal/remote"
)

// DeltaResult carries the rows pulled by one drift check, grouped by
// collection, plus the cursor the project advanced to.
type DeltaResult struct {
	Rows   map[string][]remote.Row
	Cursor time.Time

	// Total is the number of distinct changed rows across collections.
	Total int
}

// deltaCollections is the pull order for drift checks.
var deltaCollections = []string{
	model.EntityProject.Collection(),
	model.EntityTask.Collection(),
	model.EntityConnection.Collection(),
	model.EntityNote.Collection(),
}

// CheckForDrift pulls rows changed since the project's cursor.
//
// The query's lower bound is not the cursor verbatim: it is widened
// backward by max(safetyWindow, |drift estimate|) so rows committed just
// before the cursor are not missed under clock skew or server commit
// latency. Rows are deduplicated by id keeping the latest updated_at,
// protecting against a paginated or concurrently mutated result set
// returning two versions of the same row.
func (o *Orchestrator) CheckForDrift(ctx context.Context, projectID string) (*DeltaResult, error) {
	o.clock.EnsureFresh(ctx)
	o.observeNetwork()

	cursor, haveCursor, err := o.cursors.Cursor(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	}

	var since time.Time
	if haveCursor {
		window := o.cfg.SafetyWindow
		if drift := o.clock.Drift(); drift < 0 && -drift > window {
			window = -drift
		} else if drift > window {
			window = drift
		}
		since = cursor.Add(-window)
	}

	result := &DeltaResult{Rows: make(map[string][]remote.Row)}
	var maxUpdated time.Time

	for _, collection := range deltaCollections {
		var rows []remote.Row
		err := func() error {
			if aerr := o.sem.Acquire(ctx, 1); aerr != nil {
				return aerr
			}
			defer o.sem.Release(1)
			var qerr error
			rows, qerr = o.remote.QuerySince(ctx, collection, projectID, since)
			return qerr
		}()
		if err != nil {
			return nil, fmt.Errorf("delta query for %s failed: %w", collection, err)
		}

		deduped := dedupeRows(rows)
		for _, row := range deduped {
			if row.UpdatedAt.After(maxUpdated) {
				maxUpdated = row.UpdatedAt
			}
		}
		if len(deduped) > 0 {
			result.Rows[collection] = deduped
			result.Total += len(deduped)
		}
	}

	next := o.nextCursor(maxUpdated, cursor, haveCursor)
	if err := o.cursors.SetCursor(ctx, projectID, next); err != nil {
		return nil, fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	result.Cursor = next

	if result.Total > 0 {
		o.log.Debug().Int("rows", result.Total).Str("project", projectID).
			Time("cursor", next).Msg("delta sync pulled changes")
	}
	return result, nil
}

// nextCursor applies the configured advancement strategy.
func (o *Orchestrator) nextCursor(maxUpdated, cursor time.Time, haveCursor bool) time.Time {
	switch o.cfg.CursorStrategy {
	case CursorToNow:
		return o.now()
	default:
		if !maxUpdated.IsZero() {
			return maxUpdated
		}
		if haveCursor {
			return cursor
		}
		return o.now()
	}
}

// dedupeRows keeps one row per id, preferring the latest updated_at.
func dedupeRows(rows []remote.Row) []remote.Row {
	if len(rows) < 2 {
		return rows
	}
	latest := make(map[string]remote.Row, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		prev, seen := latest[row.ID]
		if !seen {
			order = append(order, row.ID)
			latest[row.ID] = row
			continue
		}
		if row.UpdatedAt.After(prev.UpdatedAt) {
			latest[row.ID] = row
		}
	}
	out := make([]remote.Row, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// ReconcileTombstones clears locally mirrored tombstones the remote store
// has confirmed, for every collection of one project. Maintenance
// operation: remote confirmation is the only path that clears tombstones,
// never a speculative one.
func (o *Orchestrator) ReconcileTombstones(ctx context.Context, projectID string) (int, error) {
	cleared := 0
	for _, collection := range deltaCollections {
		n, err := o.tombstones.Reconcile(ctx, projectID, collection)
		if err != nil {
			return cleared, err
		}
		cleared += n
	}
	if cleared > 0 {
		o.log.Info().Int("cleared", cleared).Str("project", projectID).
			Msg("cleared remotely confirmed tombstones")
	}
	return cleared, nil
}
