package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gridwell/gridsync/internal/model"
	"github.com/gridwell/gridsync/internal/remote"
	"github.com/gridwell/gridsync/internal/syncstate"
)

// PushReport summarizes one full-project push.
type PushReport struct {
	TasksPushed       int
	TasksDeferred     int
	TasksFiltered     int // dropped by tombstone protection
	ConnectionsPushed int
	ConnsDeferred     int
	ConnsFiltered     int
	NotesPushed       int
	NotesDeferred     int
	Purged            int
	OrphanedPaths     []string
	CycleBroken       bool
	CountDrift        bool
}

// PushProject runs the full-project push sequence:
//
//  1. Validate the session once for the whole batch.
//  2. Filter the outgoing set against the combined tombstone ids.
//  3. Topologically sort tasks, parents first (cycles broken, logged).
//  4. Push project metadata, then tasks in order with a micro-delay.
//  5. Push only connections whose endpoints synced or already exist;
//     defer the rest to the retry queue.
//  6. Send permanent deletions through the purge RPC and record local
//     tombstones on success.
//  7. Every Nth push, compare local and remote entity counts.
//
// Failed writes are routed to the durable queue; PushProject itself only
// errors on preconditions (no session, sync already in flight).
func (o *Orchestrator) PushProject(ctx context.Context, cs *model.ChangeSet) (*PushReport, error) {
	if cs == nil || cs.Project == nil {
		return nil, fmt.Errorf("change set must carry project metadata")
	}
	if o.authPaused.Load() {
		return nil, ErrAuthPaused
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer o.inFlight.Store(false)

	projectID := cs.Project.ID
	report := &PushReport{}

	o.state.Update(func(s *syncstate.Status) { s.Syncing = true })
	defer func() {
		o.state.Update(func(s *syncstate.Status) {
			s.Syncing = false
			s.PendingCount = o.queue.Len()
		})
	}()

	// Session is validated once per batch, not once per item.
	sess, err := o.remote.Session(ctx)
	if err != nil || sess == nil {
		o.pauseForAuth()
		if err == nil {
			err = remote.WrapError(remote.KindAuthExpired, "session", nil)
		}
		return nil, err
	}

	o.clock.EnsureFresh(ctx)
	o.observeNetwork()

	deadTasks, err := o.tombstones.DeletedSet(ctx, projectID, model.EntityTask.Collection())
	if err != nil {
		return nil, fmt.Errorf("failed to load task tombstones: %w", err)
	}
	deadConns, err := o.tombstones.DeletedSet(ctx, projectID, model.EntityConnection.Collection())
	if err != nil {
		return nil, fmt.Errorf("failed to load connection tombstones: %w", err)
	}

	tasks := make([]model.Task, 0, len(cs.Tasks))
	for _, t := range cs.Tasks {
		if _, dead := deadTasks[t.ID]; dead {
			o.log.Debug().Str("task", t.ID).Msg("skipping tombstoned task")
			report.TasksFiltered++
			continue
		}
		tasks = append(tasks, t)
	}

	ordered, cycle := topoSortTasks(tasks)
	if cycle {
		o.log.Warn().Str("project", projectID).
			Msg("cycle detected among task parent links, pushing in arrival order")
		report.CycleBroken = true
	}

	// Project metadata first: everything below references it.
	if err := o.pushEntity(ctx, model.EntityProject, cs.Project, projectID); err != nil {
		o.deferChangeSet(cs, ordered, deadConns, report)
		return report, nil
	}

	succeeded := make(map[string]bool, len(ordered))
	failed := make(map[string]bool)
	for i, t := range ordered {
		if t.ParentID != "" && failed[t.ParentID] {
			// Attempting the child would be a doomed remote call.
			o.deferTask(t, report)
			failed[t.ID] = true
			continue
		}
		if err := o.pushEntity(ctx, model.EntityTask, t, projectID); err != nil {
			o.deferTask(t, report)
			failed[t.ID] = true
			continue
		}
		report.TasksPushed++
		succeeded[t.ID] = true

		if o.cfg.MicroDelay > 0 && i < len(ordered)-1 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(o.cfg.MicroDelay):
			}
		}
	}

	o.pushConnections(ctx, cs.Connections, projectID, succeeded, deadConns, report)

	for _, n := range cs.Notes {
		if err := o.pushEntity(ctx, model.EntityNote, n, projectID); err != nil {
			o.deferNote(n, report)
			continue
		}
		report.NotesPushed++
	}

	o.applyDeletions(ctx, projectID, cs.Deletions, report)

	if n := o.pushCount.Add(1); o.cfg.CountCheckEvery > 0 && n%int64(o.cfg.CountCheckEvery) == 0 {
		report.CountDrift = o.checkCountDrift(ctx, projectID, cs)
	}

	o.state.Update(func(s *syncstate.Status) {
		s.LastSyncAt = o.now()
		s.ClockStatus = string(o.clock.Current().Status)
	})
	o.syncCircuitState()
	return report, nil
}

// pushEntity snapshots and writes one entity through the gated write
// path, feeding server timestamps back into the drift estimate.
func (o *Orchestrator) pushEntity(ctx context.Context, et model.EntityType, v any, projectID string) error {
	payload, err := model.Snapshot(v)
	if err != nil {
		return err
	}
	return o.guarded(ctx, classWrite, func(ctx context.Context) error {
		res, uerr := o.remote.Upsert(ctx, et.Collection(), payload)
		if uerr == nil && res != nil {
			o.clock.RecordServerTimestamp(res.UpdatedAt)
		}
		return uerr
	})
}

// pushConnections filters the outgoing connections to those whose source
// and target both synced this push or already exist remotely; the rest go
// to the retry queue, which re-checks dependencies on each drain.
func (o *Orchestrator) pushConnections(ctx context.Context, conns []model.Connection, projectID string, succeeded map[string]bool, dead map[string]struct{}, report *PushReport) {
	if len(conns) == 0 {
		return
	}

	// Resolve unknown endpoints in one bulk query.
	var unknown []string
	seen := make(map[string]bool)
	for _, c := range conns {
		for _, ref := range []string{c.SourceID, c.TargetID} {
			if ref != "" && !succeeded[ref] && !seen[ref] {
				seen[ref] = true
				unknown = append(unknown, ref)
			}
		}
	}
	existing := make(map[string]bool)
	if len(unknown) > 0 {
		sort.Strings(unknown)
		if known, err := o.remote.Exists(ctx, model.EntityTask.Collection(), unknown); err == nil {
			existing = known
		} else {
			o.log.Debug().Err(err).Msg("endpoint existence query failed, deferring unresolved connections")
		}
	}

	resolved := func(ref string) bool { return succeeded[ref] || existing[ref] }

	for _, c := range conns {
		if _, isDead := dead[c.ID]; isDead {
			report.ConnsFiltered++
			continue
		}
		if !resolved(c.SourceID) || !resolved(c.TargetID) {
			// Endpoint missing or failed: route to the queue instead of
			// forcing a foreign-key violation.
			o.deferConnection(c, report)
			continue
		}
		if err := o.pushEntity(ctx, model.EntityConnection, c, projectID); err != nil {
			o.deferConnection(c, report)
			continue
		}
		report.ConnectionsPushed++
	}
}

// applyDeletions routes soft deletes through the delete RPC and permanent
// deletions through the purge RPC, recording local tombstones on success.
func (o *Orchestrator) applyDeletions(ctx context.Context, projectID string, deletions []model.Deletion, report *PushReport) {
	if len(deletions) == 0 {
		return
	}

	permanent := make(map[string][]string) // collection -> ids
	var allPermanent []string
	for _, d := range deletions {
		if d.Permanent {
			coll := d.EntityType.Collection()
			permanent[coll] = append(permanent[coll], d.ID)
			allPermanent = append(allPermanent, d.ID)
			continue
		}
		id := d.ID
		coll := d.EntityType.Collection()
		err := o.guarded(ctx, classWrite, func(ctx context.Context) error {
			return o.remote.Delete(ctx, coll, id)
		})
		if err != nil && !remote.KindOf(err).Permanent() {
			payload := []byte(fmt.Sprintf(`{"id":%q}`, id))
			o.queue.Enqueue(d.EntityType, model.OpDelete, payload, projectID)
		}
	}

	if len(allPermanent) == 0 {
		return
	}

	var purge *remote.PurgeResult
	err := o.guarded(ctx, classPurge, func(ctx context.Context) error {
		var perr error
		purge, perr = o.remote.Purge(ctx, projectID, allPermanent)
		return perr
	})
	if err != nil {
		o.log.Warn().Err(err).Int("ids", len(allPermanent)).
			Msg("purge failed, deletions remain pending")
		return
	}

	report.Purged = purge.PurgedCount
	report.OrphanedPaths = purge.OrphanedPaths
	if len(purge.OrphanedPaths) > 0 {
		o.log.Info().Strs("paths", purge.OrphanedPaths).
			Msg("purge reported orphaned attachments to reclaim")
	}

	// Mirror tombstones locally even though the server wrote its own:
	// protection for the window before they propagate to other devices.
	for coll, ids := range permanent {
		if err := o.tombstones.MarkDeleted(ctx, projectID, coll, ids); err != nil {
			o.log.Error().Err(err).Str("collection", coll).
				Msg("failed to mirror tombstones after purge")
		}
	}
	o.tombstones.Invalidate(projectID)
}

// checkCountDrift samples local vs remote entity counts. A divergence
// beyond the absolute-or-relative threshold is an anomaly signal for the
// sync logic itself, surfaced as a warning, never a sync blocker.
func (o *Orchestrator) checkCountDrift(ctx context.Context, projectID string, cs *model.ChangeSet) bool {
	counts, err := o.remote.Counts(ctx, projectID)
	if err != nil {
		o.log.Debug().Err(err).Msg("count sampling failed")
		return false
	}

	local := map[string]int64{
		model.EntityTask.Collection():       int64(len(cs.Tasks)),
		model.EntityConnection.Collection(): int64(len(cs.Connections)),
		model.EntityNote.Collection():       int64(len(cs.Notes)),
	}

	drift := false
	for coll, localCount := range local {
		remoteCount, ok := counts[coll]
		if !ok {
			continue
		}
		diff := localCount - remoteCount
		if diff < 0 {
			diff = -diff
		}
		if diff == 0 {
			continue
		}
		relLimit := int64(float64(localCount) * o.cfg.CountDriftPct)
		if diff > o.cfg.CountDriftAbs && diff > relLimit {
			drift = true
			msg := fmt.Sprintf("entity count divergence in %s: local=%d remote=%d", coll, localCount, remoteCount)
			o.log.Warn().Str("project", projectID).Msg(msg)
			o.state.Warn(msg)
		}
	}
	return drift
}

func (o *Orchestrator) deferTask(t model.Task, report *PushReport) {
	if payload, err := model.Snapshot(t); err == nil {
		o.queue.Enqueue(model.EntityTask, model.OpUpsert, payload, t.ProjectID)
	}
	report.TasksDeferred++
}

func (o *Orchestrator) deferConnection(c model.Connection, report *PushReport) {
	if payload, err := model.Snapshot(c); err == nil {
		o.queue.Enqueue(model.EntityConnection, model.OpUpsert, payload, c.ProjectID)
	}
	report.ConnsDeferred++
}

func (o *Orchestrator) deferNote(n model.Note, report *PushReport) {
	if payload, err := model.Snapshot(n); err == nil {
		o.queue.Enqueue(model.EntityNote, model.OpUpsert, payload, n.ProjectID)
	}
	report.NotesDeferred++
}

// deferChangeSet queues the whole outgoing set when the project write
// itself failed; nothing below it can satisfy referential constraints.
func (o *Orchestrator) deferChangeSet(cs *model.ChangeSet, tasks []model.Task, deadConns map[string]struct{}, report *PushReport) {
	if payload, err := model.Snapshot(cs.Project); err == nil {
		o.queue.Enqueue(model.EntityProject, model.OpUpsert, payload, "")
	}
	for _, t := range tasks {
		o.deferTask(t, report)
	}
	for _, c := range cs.Connections {
		if _, dead := deadConns[c.ID]; dead {
			report.ConnsFiltered++
			continue
		}
		o.deferConnection(c, report)
	}
	for _, n := range cs.Notes {
		o.deferNote(n, report)
	}
}

// topoSortTasks orders tasks parent-before-child. Parent links pointing
// outside the set are ignored (the parent already exists remotely or is
// resolved by the queue's pre-check). Returns cycle=true when parent
// links form a loop; the remaining tasks are appended in input order
// rather than deadlocking.
func topoSortTasks(tasks []model.Task) (ordered []model.Task, cycle bool) {
	if len(tasks) < 2 {
		return tasks, false
	}

	inSet := make(map[string]int, len(tasks))
	for i, t := range tasks {
		inSet[t.ID] = i
	}

	indegree := make(map[string]int, len(tasks))
	children := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
		if t.ParentID != "" {
			if _, ok := inSet[t.ParentID]; ok {
				indegree[t.ID]++
				children[t.ParentID] = append(children[t.ParentID], t.ID)
			}
		}
	}

	var ready []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	ordered = make([]model.Task, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, tasks[inSet[id]])
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(ordered) < len(tasks) {
		cycle = true
		seen := make(map[string]bool, len(ordered))
		for _, t := range ordered {
			seen[t.ID] = true
		}
		for _, t := range tasks {
			if !seen[t.ID] {
				ordered = append(ordered, t)
			}
		}
	}
	return ordered, cycle
}
