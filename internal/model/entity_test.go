package model

import (
	"testing"
	"time"
)

func TestEntityTypeRankOrdersDependencies(t *testing.T) {
	order := []EntityType{EntityProject, EntityTask, EntityConnection, EntityNote}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s rank %d not below %s rank %d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
}

func TestEntityTypeCollectionRoundTrip(t *testing.T) {
	for _, et := range []EntityType{EntityProject, EntityTask, EntityConnection, EntityNote} {
		if !et.Valid() {
			t.Errorf("%s not valid", et)
		}
		back, err := EntityTypeForCollection(et.Collection())
		if err != nil {
			t.Fatalf("%s: %v", et, err)
		}
		if back != et {
			t.Errorf("round trip %s -> %s -> %s", et, et.Collection(), back)
		}
	}

	if EntityType("widget").Valid() {
		t.Error("unknown type reported valid")
	}
	if _, err := EntityTypeForCollection("widgets"); err == nil {
		t.Error("unknown collection accepted")
	}
}

func TestRequiresProject(t *testing.T) {
	if EntityProject.RequiresProject() {
		t.Error("projects must not require an owning project")
	}
	for _, et := range []EntityType{EntityTask, EntityConnection, EntityNote} {
		if !et.RequiresProject() {
			t.Errorf("%s should require an owning project", et)
		}
	}
}

func TestMutationItemExtractsReferences(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	task := NewMutationItem(EntityTask, OpUpsert, []byte(`{"id":"t1","parent_id":"t0","project_id":"p1"}`), "p1", now)
	if task.EntityID() != "t1" {
		t.Errorf("EntityID = %q, want t1", task.EntityID())
	}
	if task.ParentID() != "t0" {
		t.Errorf("ParentID = %q, want t0", task.ParentID())
	}
	if task.Key() != "task/t1" {
		t.Errorf("Key = %q, want task/t1", task.Key())
	}
	if task.ID == "" {
		t.Error("queue record id not assigned")
	}

	conn := NewMutationItem(EntityConnection, OpUpsert, []byte(`{"id":"c1","source_id":"a","target_id":"b"}`), "p1", now)
	if conn.SourceID() != "a" || conn.TargetID() != "b" {
		t.Errorf("endpoints = %q -> %q, want a -> b", conn.SourceID(), conn.TargetID())
	}

	orphan := NewMutationItem(EntityNote, OpDelete, []byte(`{"body":"no id"}`), "p1", now)
	if orphan.EntityID() != "" {
		t.Errorf("EntityID = %q for payload without id, want empty", orphan.EntityID())
	}
}

func TestSnapshotCarriesID(t *testing.T) {
	payload, err := Snapshot(Task{ID: "t1", ProjectID: "p1", Title: "x"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	item := NewMutationItem(EntityTask, OpUpsert, payload, "p1", time.Now())
	if item.EntityID() != "t1" {
		t.Errorf("EntityID = %q from snapshot payload, want t1", item.EntityID())
	}
}
