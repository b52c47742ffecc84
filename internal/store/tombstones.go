package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AddTombstones records permanently deleted entity ids in the local
// mirror. Existing records are kept with their original deleted_at.
func (db *DB) AddTombstones(ctx context.Context, projectID, collection string, ids []string, deletedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tombstone insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO local_tombstones (project_id, collection, entity_id, deleted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, entity_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare tombstone insert: %w", err)
	}
	defer stmt.Close()

	ts := deletedAt.UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, projectID, collection, id, ts); err != nil {
			return fmt.Errorf("failed to insert tombstone %s/%s: %w", collection, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tombstone insert: %w", err)
	}
	return nil
}

// RemoveTombstones drops the given ids from the local mirror. Callers only
// do this after independently confirming the remote tombstone is
// authoritative.
func (db *DB) RemoveTombstones(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(
		"DELETE FROM local_tombstones WHERE collection = ? AND entity_id IN (%s)", placeholders)
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove tombstones: %w", err)
	}
	return nil
}

// Tombstones returns the locally mirrored tombstoned ids for one project
// and collection, with their deletion timestamps.
func (db *DB) Tombstones(ctx context.Context, projectID, collection string) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT entity_id, deleted_at FROM local_tombstones
		WHERE project_id = ? AND collection = ?`, projectID, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var id, deletedAt string
		if err := rows.Scan(&id, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, deletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deleted_at for %s: %w", id, err)
		}
		result[id] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tombstone rows: %w", err)
	}
	return result, nil
}

// Cursor returns the delta-sync cursor for a project. ok is false when no
// cursor has been recorded yet.
func (db *DB) Cursor(ctx context.Context, projectID string) (ts time.Time, ok bool, err error) {
	var raw string
	err = db.conn.QueryRowContext(ctx,
		"SELECT last_sync_at FROM sync_cursors WHERE project_id = ?", projectID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to query cursor: %w", err)
	}
	ts, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cursor: %w", err)
	}
	return ts, true, nil
}

// SetCursor advances the delta-sync cursor for a project.
func (db *DB) SetCursor(ctx context.Context, projectID string, ts time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_cursors (project_id, last_sync_at) VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		projectID, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}
