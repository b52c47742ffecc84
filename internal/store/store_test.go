package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridwell/gridsync/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return db
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema: %v", err)
	}
}

func TestQueueRoundTripPreservesOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	items := []*model.MutationItem{
		model.NewMutationItem(model.EntityProject, model.OpUpsert, []byte(`{"id":"p1"}`), "", base),
		model.NewMutationItem(model.EntityTask, model.OpUpsert, []byte(`{"id":"t1","parent_id":"t0"}`), "p1", base.Add(time.Second)),
		model.NewMutationItem(model.EntityTask, model.OpDelete, []byte(`{"id":"t2"}`), "p1", base.Add(2*time.Second)),
	}
	items[1].RetryCount = 4

	if err := db.SaveQueue(ctx, items); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	loaded, err := db.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded %d items, want 3", len(loaded))
	}
	for i := range items {
		if loaded[i].ID != items[i].ID {
			t.Errorf("position %d: id = %s, want %s", i, loaded[i].ID, items[i].ID)
		}
		if loaded[i].EntityType != items[i].EntityType || loaded[i].Operation != items[i].Operation {
			t.Errorf("position %d: type/op mismatch", i)
		}
		if string(loaded[i].Payload) != string(items[i].Payload) {
			t.Errorf("position %d: payload mismatch", i)
		}
		if !loaded[i].CreatedAt.Equal(items[i].CreatedAt) {
			t.Errorf("position %d: created_at = %v, want %v", i, loaded[i].CreatedAt, items[i].CreatedAt)
		}
	}
	if loaded[1].RetryCount != 4 {
		t.Errorf("RetryCount = %d, want 4", loaded[1].RetryCount)
	}
	if loaded[1].ParentID() != "t0" {
		t.Errorf("ParentID = %q, want t0", loaded[1].ParentID())
	}
}

func TestSaveQueueReplacesSnapshot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first := []*model.MutationItem{
		model.NewMutationItem(model.EntityTask, model.OpUpsert, []byte(`{"id":"t1"}`), "p1", now),
		model.NewMutationItem(model.EntityTask, model.OpUpsert, []byte(`{"id":"t2"}`), "p1", now),
	}
	if err := db.SaveQueue(ctx, first); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	second := []*model.MutationItem{
		model.NewMutationItem(model.EntityTask, model.OpUpsert, []byte(`{"id":"t3"}`), "p1", now),
	}
	if err := db.SaveQueue(ctx, second); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	loaded, err := db.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(loaded) != 1 || loaded[0].EntityID() != "t3" {
		t.Errorf("loaded = %d items, want just t3", len(loaded))
	}
}

func TestSaveQueueEmpty(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SaveQueue(ctx, nil); err != nil {
		t.Fatalf("SaveQueue(nil): %v", err)
	}
	loaded, err := db.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded %d items, want 0", len(loaded))
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	items := []*model.MutationItem{
		model.NewMutationItem(model.EntityTask, model.OpUpsert, []byte(`{"id":"t1"}`), "p1", time.Now()),
	}
	if err := db.SaveQueue(ctx, items); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	loaded, err := db2.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("LoadQueue after reopen: %v", err)
	}
	if len(loaded) != 1 || loaded[0].EntityID() != "t1" {
		t.Errorf("loaded = %+v, want the persisted item", loaded)
	}
}

func TestTombstones(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)

	if err := db.AddTombstones(ctx, "p1", "tasks", []string{"t1", "t2"}, at); err != nil {
		t.Fatalf("AddTombstones: %v", err)
	}
	// Re-adding is a no-op, not an error.
	if err := db.AddTombstones(ctx, "p1", "tasks", []string{"t1"}, at.Add(time.Hour)); err != nil {
		t.Fatalf("AddTombstones again: %v", err)
	}

	got, err := db.Tombstones(ctx, "p1", "tasks")
	if err != nil {
		t.Fatalf("Tombstones: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tombstones = %v, want 2 entries", got)
	}
	if !got["t1"].Equal(at) {
		t.Errorf("t1 deleted_at = %v, want original %v", got["t1"], at)
	}

	other, err := db.Tombstones(ctx, "p2", "tasks")
	if err != nil {
		t.Fatalf("Tombstones p2: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("p2 tombstones = %v, want none", other)
	}

	if err := db.RemoveTombstones(ctx, "tasks", []string{"t1"}); err != nil {
		t.Fatalf("RemoveTombstones: %v", err)
	}
	got, err = db.Tombstones(ctx, "p1", "tasks")
	if err != nil {
		t.Fatalf("Tombstones after remove: %v", err)
	}
	if _, ok := got["t1"]; ok {
		t.Error("t1 still present after remove")
	}
	if _, ok := got["t2"]; !ok {
		t.Error("t2 removed unexpectedly")
	}
}

func TestCursor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.Cursor(ctx, "p1"); err != nil || ok {
		t.Fatalf("Cursor on fresh db = ok %v, err %v; want absent", ok, err)
	}

	ts := time.Date(2026, 6, 3, 11, 30, 0, 0, time.UTC)
	if err := db.SetCursor(ctx, "p1", ts); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, ok, err := db.Cursor(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("Cursor = ok %v, err %v", ok, err)
	}
	if !got.Equal(ts) {
		t.Errorf("cursor = %v, want %v", got, ts)
	}

	// Upsert semantics.
	ts2 := ts.Add(time.Hour)
	if err := db.SetCursor(ctx, "p1", ts2); err != nil {
		t.Fatalf("SetCursor update: %v", err)
	}
	got, _, _ = db.Cursor(ctx, "p1")
	if !got.Equal(ts2) {
		t.Errorf("cursor after update = %v, want %v", got, ts2)
	}
}

func TestIsQuota(t *testing.T) {
	if IsQuota(nil) {
		t.Error("nil is not a quota error")
	}
	if !IsQuota(errors.New("sqlite3: database or disk is full")) {
		t.Error("disk-full error not recognized")
	}
	if !IsQuota(errors.New("disk I/O error")) {
		t.Error("I/O error not recognized")
	}
	if IsQuota(errors.New("constraint failed")) {
		t.Error("constraint error misclassified as quota")
	}
}
