package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gridwell/gridsync/internal/model"
	"github.com/gridwell/gridsync/internal/remote"
)

func baseChangeSet() *model.ChangeSet {
	return &model.ChangeSet{
		Project: &model.Project{ID: "p1", Name: "board"},
		Tasks: []model.Task{
			// Child ahead of its parent on purpose; the push must reorder.
			{ID: "child", ProjectID: "p1", ParentID: "root", Title: "child"},
			{ID: "root", ProjectID: "p1", Title: "root"},
		},
		Connections: []model.Connection{
			{ID: "c1", ProjectID: "p1", SourceID: "root", TargetID: "child"},
		},
		Notes: []model.Note{
			{ID: "n1", ProjectID: "p1", Body: "note"},
		},
	}
}

func TestPushProjectPushesInDependencyOrder(t *testing.T) {
	env := newOrchEnv(t, nil)

	report, err := env.orch.PushProject(context.Background(), baseChangeSet())
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}

	want := []string{
		"upsert projects/p1",
		"upsert tasks/root",
		"upsert tasks/child",
		"upsert connections/c1",
		"upsert notes/n1",
	}
	calls := env.fs.callLog()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, calls[i], want[i])
		}
	}

	if report.TasksPushed != 2 || report.ConnectionsPushed != 1 || report.NotesPushed != 1 {
		t.Errorf("report = %+v, want 2 tasks, 1 connection, 1 note pushed", report)
	}
	if report.CycleBroken {
		t.Error("CycleBroken set on an acyclic graph")
	}
	if env.queue.Len() != 0 {
		t.Errorf("queue len = %d after clean push, want 0", env.queue.Len())
	}
	if env.state.Current().LastSyncAt.IsZero() {
		t.Error("LastSyncAt not recorded")
	}
}

func TestPushProjectRequiresProjectMetadata(t *testing.T) {
	env := newOrchEnv(t, nil)

	if _, err := env.orch.PushProject(context.Background(), nil); err == nil {
		t.Error("nil change set accepted")
	}
	if _, err := env.orch.PushProject(context.Background(), &model.ChangeSet{}); err == nil {
		t.Error("change set without project accepted")
	}
}

func TestPushProjectPausesOnMissingSession(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.session = nil

	_, err := env.orch.PushProject(context.Background(), baseChangeSet())
	if err == nil {
		t.Fatal("expected error with no session")
	}
	if remote.KindOf(err) != remote.KindAuthExpired {
		t.Errorf("error kind = %v, want auth expired", remote.KindOf(err))
	}
	if !env.state.Current().AuthPaused {
		t.Error("AuthPaused not set")
	}

	if _, err := env.orch.PushProject(context.Background(), baseChangeSet()); !errors.Is(err, ErrAuthPaused) {
		t.Fatalf("second push err = %v, want ErrAuthPaused", err)
	}

	env.fs.mu.Lock()
	env.fs.session = &remote.Session{UserID: "user-1"}
	env.fs.mu.Unlock()
	env.orch.NotifySessionRestored()

	if _, err := env.orch.PushProject(context.Background(), baseChangeSet()); err != nil {
		t.Fatalf("push after restore: %v", err)
	}
}

func TestPushProjectRefusesOverlap(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.orch.inFlight.Store(true)

	if _, err := env.orch.PushProject(context.Background(), baseChangeSet()); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("err = %v, want ErrSyncInFlight", err)
	}
}

func TestPushProjectFiltersTombstonedEntities(t *testing.T) {
	env := newOrchEnv(t, nil)
	ctx := context.Background()
	env.mirror.AddTombstones(ctx, "p1", "tasks", []string{"dead-task"}, env.clk.Now())
	env.mirror.AddTombstones(ctx, "p1", "connections", []string{"dead-conn"}, env.clk.Now())

	cs := baseChangeSet()
	cs.Tasks = append(cs.Tasks, model.Task{ID: "dead-task", ProjectID: "p1", Title: "zombie"})
	cs.Connections = append(cs.Connections, model.Connection{ID: "dead-conn", ProjectID: "p1", SourceID: "root", TargetID: "child"})

	report, err := env.orch.PushProject(ctx, cs)
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.TasksFiltered != 1 || report.ConnsFiltered != 1 {
		t.Errorf("filtered tasks=%d conns=%d, want 1 and 1", report.TasksFiltered, report.ConnsFiltered)
	}
	for _, call := range env.fs.callLog() {
		if strings.Contains(call, "dead-task") || strings.Contains(call, "dead-conn") {
			t.Errorf("tombstoned entity reached the remote store: %s", call)
		}
	}
}

func TestPushProjectDefersSubtreeOnParentFailure(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.upsertErr["tasks/root"] = retryableErr("write failed")

	cs := &model.ChangeSet{
		Project: &model.Project{ID: "p1"},
		Tasks: []model.Task{
			{ID: "root", ProjectID: "p1"},
			{ID: "child", ProjectID: "p1", ParentID: "root"},
			{ID: "grandchild", ProjectID: "p1", ParentID: "child"},
		},
	}

	report, err := env.orch.PushProject(context.Background(), cs)
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.TasksPushed != 0 || report.TasksDeferred != 3 {
		t.Fatalf("pushed=%d deferred=%d, want 0 and 3", report.TasksPushed, report.TasksDeferred)
	}

	// Only the root was attempted; the descendants were doomed calls.
	taskAttempts := 0
	for _, call := range env.fs.callLog() {
		if strings.HasPrefix(call, "upsert tasks/") {
			taskAttempts++
		}
	}
	if taskAttempts != 1 {
		t.Errorf("task attempts = %d, want 1", taskAttempts)
	}
	if env.queue.Len() != 3 {
		t.Errorf("queue len = %d, want 3 deferred tasks", env.queue.Len())
	}
}

func TestPushProjectDefersEverythingWhenProjectWriteFails(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.upsertErr["projects/p1"] = retryableErr("write failed")

	report, err := env.orch.PushProject(context.Background(), baseChangeSet())
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.TasksPushed != 0 || report.ConnectionsPushed != 0 || report.NotesPushed != 0 {
		t.Fatalf("report = %+v, want nothing pushed", report)
	}
	// Project, two tasks, one connection, one note.
	if env.queue.Len() != 5 {
		t.Fatalf("queue len = %d, want 5", env.queue.Len())
	}
	if len(env.fs.callLog()) != 1 {
		t.Errorf("calls = %v, want only the project attempt", env.fs.callLog())
	}
}

func TestPushProjectResolvesEndpointsRemotely(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.existing["remote-task"] = true

	cs := &model.ChangeSet{
		Project: &model.Project{ID: "p1"},
		Tasks:   []model.Task{{ID: "local", ProjectID: "p1"}},
		Connections: []model.Connection{
			{ID: "ok", ProjectID: "p1", SourceID: "local", TargetID: "remote-task"},
			{ID: "dangling", ProjectID: "p1", SourceID: "local", TargetID: "ghost"},
		},
	}

	report, err := env.orch.PushProject(context.Background(), cs)
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.ConnectionsPushed != 1 || report.ConnsDeferred != 1 {
		t.Fatalf("pushed=%d deferred=%d, want 1 and 1", report.ConnectionsPushed, report.ConnsDeferred)
	}
	for _, call := range env.fs.callLog() {
		if call == "upsert connections/dangling" {
			t.Fatal("connection with unresolved endpoint was pushed")
		}
	}
	if env.queue.Len() != 1 {
		t.Errorf("queue len = %d, want the dangling connection deferred", env.queue.Len())
	}
}

func TestPushProjectBreaksParentCycles(t *testing.T) {
	env := newOrchEnv(t, nil)

	cs := &model.ChangeSet{
		Project: &model.Project{ID: "p1"},
		Tasks: []model.Task{
			{ID: "a", ProjectID: "p1", ParentID: "b"},
			{ID: "b", ProjectID: "p1", ParentID: "a"},
		},
	}

	report, err := env.orch.PushProject(context.Background(), cs)
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if !report.CycleBroken {
		t.Error("CycleBroken not reported")
	}
	if report.TasksPushed != 2 {
		t.Errorf("TasksPushed = %d, want 2 (arrival order fallback)", report.TasksPushed)
	}
}

func TestPushProjectSoftDeletesAndQueuesFailures(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.deleteErr["tasks/flaky"] = retryableErr("delete failed")

	cs := &model.ChangeSet{
		Project: &model.Project{ID: "p1"},
		Deletions: []model.Deletion{
			{EntityType: model.EntityTask, ID: "gone"},
			{EntityType: model.EntityTask, ID: "flaky"},
		},
	}

	if _, err := env.orch.PushProject(context.Background(), cs); err != nil {
		t.Fatalf("PushProject: %v", err)
	}

	deleted := false
	for _, call := range env.fs.callLog() {
		if call == "delete tasks/gone" {
			deleted = true
		}
	}
	if !deleted {
		t.Error("soft delete never reached the remote store")
	}

	pending := env.queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("queue len = %d, want the failed delete queued", len(pending))
	}
	if pending[0].Operation != model.OpDelete || pending[0].EntityID() != "flaky" {
		t.Errorf("queued item = %s %s, want delete of flaky", pending[0].Operation, pending[0].EntityID())
	}
}

func TestPushProjectPurgesPermanentDeletions(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.purgeRes = &remote.PurgeResult{PurgedCount: 2, OrphanedPaths: []string{"attachments/p1/x.png"}}

	cs := &model.ChangeSet{
		Project: &model.Project{ID: "p1"},
		Deletions: []model.Deletion{
			{EntityType: model.EntityTask, ID: "t-gone", Permanent: true},
			{EntityType: model.EntityNote, ID: "n-gone", Permanent: true},
		},
	}

	report, err := env.orch.PushProject(context.Background(), cs)
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.Purged != 2 {
		t.Errorf("Purged = %d, want 2", report.Purged)
	}
	if len(report.OrphanedPaths) != 1 {
		t.Errorf("OrphanedPaths = %v, want one path", report.OrphanedPaths)
	}
	if len(env.fs.purgedIDs) != 2 {
		t.Fatalf("purged ids = %v, want both", env.fs.purgedIDs)
	}

	ctx := context.Background()
	taskTombs, _ := env.mirror.Tombstones(ctx, "p1", "tasks")
	if _, ok := taskTombs["t-gone"]; !ok {
		t.Error("purged task not mirrored as a local tombstone")
	}
	noteTombs, _ := env.mirror.Tombstones(ctx, "p1", "notes")
	if _, ok := noteTombs["n-gone"]; !ok {
		t.Error("purged note not mirrored as a local tombstone")
	}
}

func TestPushProjectPurgeFailureKeepsDeletionsPending(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.fs.purgeErr = retryableErr("purge endpoint down")

	cs := &model.ChangeSet{
		Project: &model.Project{ID: "p1"},
		Deletions: []model.Deletion{
			{EntityType: model.EntityTask, ID: "t-gone", Permanent: true},
		},
	}

	report, err := env.orch.PushProject(context.Background(), cs)
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.Purged != 0 {
		t.Errorf("Purged = %d, want 0", report.Purged)
	}
	tombs, _ := env.mirror.Tombstones(context.Background(), "p1", "tasks")
	if len(tombs) != 0 {
		t.Error("tombstone mirrored despite failed purge")
	}
}

func TestPushProjectDetectsCountDrift(t *testing.T) {
	env := newOrchEnv(t, func(cfg *Config) {
		cfg.CountCheckEvery = 1
		cfg.CountDriftAbs = 5
		cfg.CountDriftPct = 0.05
	})
	env.fs.counts = map[string]int64{"tasks": 50}

	report, err := env.orch.PushProject(context.Background(), baseChangeSet())
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if !report.CountDrift {
		t.Error("CountDrift not reported")
	}
	if warning := env.state.Current().LastWarning; !strings.Contains(warning, "divergence") {
		t.Errorf("LastWarning = %q, want a divergence warning", warning)
	}
}

func TestPushProjectCountDriftWithinThreshold(t *testing.T) {
	env := newOrchEnv(t, func(cfg *Config) {
		cfg.CountCheckEvery = 1
		cfg.CountDriftAbs = 5
		cfg.CountDriftPct = 0.05
	})
	env.fs.counts = map[string]int64{"tasks": 3}

	report, err := env.orch.PushProject(context.Background(), baseChangeSet())
	if err != nil {
		t.Fatalf("PushProject: %v", err)
	}
	if report.CountDrift {
		t.Error("CountDrift reported inside the tolerance band")
	}
}

func TestTopoSortTasksOrdersParentsFirst(t *testing.T) {
	tasks := []model.Task{
		{ID: "c", ParentID: "b"},
		{ID: "b", ParentID: "a"},
		{ID: "a"},
		{ID: "x", ParentID: "external"},
	}

	ordered, cycle := topoSortTasks(tasks)
	if cycle {
		t.Fatal("cycle reported for acyclic input")
	}
	pos := make(map[string]int, len(ordered))
	for i, task := range ordered {
		pos[task.ID] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("order %v does not respect parent links", ordered)
	}
	if _, ok := pos["x"]; !ok {
		t.Error("task with external parent missing from order")
	}
}
