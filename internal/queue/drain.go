package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gridwell/gridsync/internal/model"
)

// Outcome is the classified result of one remote attempt.
type Outcome int

const (
	// OutcomeSuccess drops the item from the queue.
	OutcomeSuccess Outcome = iota

	// OutcomeRetryable bumps the retry count and keeps the item.
	OutcomeRetryable

	// OutcomePermanent drops the item; retrying can never succeed.
	OutcomePermanent
)

// Handler performs the remote write for one mutation. Implementations
// classify errors themselves and report only the outcome.
type Handler func(ctx context.Context, item *model.MutationItem) Outcome

// HandlerSet maps entity types to their operation handler.
type HandlerSet map[model.EntityType]Handler

// ExistenceChecker answers bulk "do these ids exist remotely" queries.
type ExistenceChecker interface {
	Exists(ctx context.Context, collection string, ids []string) (map[string]bool, error)
}

// TombstoneChecker answers bulk tombstone queries.
type TombstoneChecker interface {
	DeletedSet(ctx context.Context, projectID, collection string) (map[string]struct{}, error)
}

// DrainDeps are the collaborators one drain cycle uses.
type DrainDeps struct {
	Handlers HandlerSet

	// Gate is the circuit check consulted before each remote attempt.
	// Returning false aborts the drain; remaining items wait for the
	// next cycle. Nil means no gating.
	Gate func(item *model.MutationItem) bool

	// Exists backs the batched dependency pre-check. Nil disables it.
	Exists ExistenceChecker

	// Tombstones backs the batched tombstone pre-check. Nil disables it.
	Tombstones TombstoneChecker
}

// Budget soft-bounds one drain for latency-sensitive callers. Zero values
// mean unbounded.
type Budget struct {
	MaxItems    int
	MaxDuration time.Duration
}

// DrainResult summarizes one cycle.
type DrainResult struct {
	Processed int
	Succeeded int
	Requeued  int
	Dropped   int
	Skipped   int

	// Partial is true when the drain stopped early (budget exhausted or
	// circuit open) with items still pending. The caller schedules a
	// continuation instead of blocking.
	Partial bool
}

// Drain processes a snapshot of the queue in dependency order.
//
// The snapshot is sorted project -> task -> connection -> note, with task
// upserts additionally ordered parent-before-child within the cycle. A
// batched pre-check resolves referenced ids (parent, source, target) and
// tombstones in bulk, once per cycle. Items whose dependency failed in
// the same cycle are requeued with a retry bump rather than attempted.
func (q *Queue) Drain(ctx context.Context, deps DrainDeps, budget Budget) (*DrainResult, error) {
	start := q.now()
	res := &DrainResult{}

	q.mu.Lock()
	snapshot := make([]*model.MutationItem, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return res, nil
	}

	if cycle := orderSnapshot(snapshot); cycle {
		q.log.Warn().Msg("cycle detected among task parent links, pushing in arrival order")
	}

	pre := q.precheck(ctx, snapshot, deps)

	succeeded := make(map[string]bool) // entity ids written this cycle
	failed := make(map[string]bool)    // entity ids that failed this cycle

	for _, item := range snapshot {
		if budget.MaxItems > 0 && res.Processed >= budget.MaxItems {
			res.Partial = true
			break
		}
		if budget.MaxDuration > 0 && q.now().Sub(start) >= budget.MaxDuration {
			res.Partial = true
			break
		}
		if ctx.Err() != nil {
			res.Partial = true
			break
		}

		// The entry may have been replaced since the snapshot; the newer
		// payload waits for the next cycle rather than pushing stale data.
		q.mu.Lock()
		current := q.byKey[item.Key()] == item
		q.mu.Unlock()
		if !current {
			res.Skipped++
			continue
		}

		entityID := item.EntityID()

		// Unknown tombstone state fails closed: the upsert waits for a
		// cycle where the set can be resolved, without a retry penalty.
		if item.Operation == model.OpUpsert && pre.tombstonesUnknown(item.EntityType) {
			res.Skipped++
			continue
		}

		// Tombstone protection: an upsert for a tombstoned id must never
		// reach the remote store. A delete of a tombstoned id is already
		// satisfied.
		if pre.tombstoned(item.EntityType, entityID) {
			if item.Operation == model.OpUpsert {
				q.log.Warn().
					Str("entity", item.Key()).
					Msg("dropping upsert for tombstoned entity")
			}
			q.drop(item)
			res.Dropped++
			res.Processed++
			continue
		}

		// Dependency pre-check for upserts.
		if item.Operation == model.OpUpsert {
			switch dep := q.checkDeps(item, pre, succeeded, failed); dep {
			case depFailed:
				q.requeue(item, failed, res)
				res.Processed++
				continue
			case depTombstoned:
				q.warn(fmt.Sprintf("dropping %s: referenced entity is permanently deleted", item.Key()))
				q.drop(item)
				failed[entityID] = true
				res.Dropped++
				res.Processed++
				continue
			}
		}

		if deps.Gate != nil && !deps.Gate(item) {
			// Circuit open: back off without penalizing items.
			res.Partial = true
			break
		}

		handler, ok := deps.Handlers[item.EntityType]
		if !ok {
			q.log.Error().Str("entity", item.Key()).Msg("no handler for entity type")
			res.Skipped++
			continue
		}

		res.Processed++
		switch handler(ctx, item) {
		case OutcomeSuccess:
			q.drop(item)
			succeeded[entityID] = true
			res.Succeeded++
		case OutcomePermanent:
			q.log.Warn().Str("entity", item.Key()).Msg("dropping permanently failed mutation")
			q.drop(item)
			failed[entityID] = true
			res.Dropped++
		case OutcomeRetryable:
			q.requeue(item, failed, res)
		}
	}

	return res, nil
}

type depStatus int

const (
	depOK depStatus = iota
	depFailed
	depTombstoned
)

// checkDeps resolves the referenced ids of one upsert against this
// cycle's outcomes and the batched pre-check.
func (q *Queue) checkDeps(item *model.MutationItem, pre *precheckResult, succeeded, failed map[string]bool) depStatus {
	var refs []string
	switch item.EntityType {
	case model.EntityTask:
		if p := item.ParentID(); p != "" {
			refs = append(refs, p)
		}
	case model.EntityConnection:
		refs = append(refs, item.SourceID(), item.TargetID())
	default:
		return depOK
	}

	for _, ref := range refs {
		if ref == "" {
			return depFailed
		}
		if failed[ref] {
			return depFailed
		}
		if pre.tombstoned(model.EntityTask, ref) {
			return depTombstoned
		}
		if succeeded[ref] {
			continue
		}
		if pre.exists(ref) {
			continue
		}
		// Referenced task neither synced this cycle nor known remotely:
		// attempting the write would be a guaranteed FK violation.
		return depFailed
	}
	return depOK
}

// drop removes an item and persists the change.
func (q *Queue) drop(item *model.MutationItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(item)
	if err := q.persistLocked(); err != nil {
		q.log.Error().Err(err).Msg("failed to persist queue after drop")
	}
}

// requeue bumps the retry count, dropping the item with a user-visible
// warning once it exceeds the retry limit.
func (q *Queue) requeue(item *model.MutationItem, failed map[string]bool, res *DrainResult) {
	failed[item.EntityID()] = true

	q.mu.Lock()
	defer q.mu.Unlock()

	item.RetryCount++
	if item.RetryCount >= q.cfg.MaxRetries {
		q.removeLocked(item)
		q.warn(fmt.Sprintf("giving up on %s after %d attempts", item.Key(), item.RetryCount))
		res.Dropped++
	} else {
		res.Requeued++
	}
	if err := q.persistLocked(); err != nil {
		q.log.Error().Err(err).Msg("failed to persist queue after retry bump")
	}
}

// precheckResult holds the batched lookups for one drain cycle.
type precheckResult struct {
	tombstones map[string]map[string]struct{} // collection -> ids
	unknown    map[string]struct{}            // collections whose tombstone query failed
	existing   map[string]bool                // task id -> exists remotely
}

func (p *precheckResult) tombstoned(t model.EntityType, id string) bool {
	set, ok := p.tombstones[t.Collection()]
	if !ok {
		return false
	}
	_, dead := set[id]
	return dead
}

func (p *precheckResult) exists(taskID string) bool {
	return p.existing[taskID]
}

// tombstonesUnknown reports whether the tombstone state an upsert of this
// type depends on could not be resolved this cycle. Connections also
// depend on the task tombstone set through their endpoints.
func (p *precheckResult) tombstonesUnknown(t model.EntityType) bool {
	if _, bad := p.unknown[t.Collection()]; bad {
		return true
	}
	if t == model.EntityConnection {
		_, bad := p.unknown[model.EntityTask.Collection()]
		return bad
	}
	return false
}

// precheck gathers tombstone sets and referenced-id existence in bulk,
// once per cycle, to bound request fan-out.
func (q *Queue) precheck(ctx context.Context, snapshot []*model.MutationItem, deps DrainDeps) *precheckResult {
	pre := &precheckResult{
		tombstones: make(map[string]map[string]struct{}),
		unknown:    make(map[string]struct{}),
		existing:   make(map[string]bool),
	}

	// Ids being upserted this cycle satisfy references once they succeed;
	// only refs outside the snapshot need a remote existence check.
	inCycle := make(map[string]bool)
	for _, item := range snapshot {
		if item.EntityType == model.EntityTask && item.Operation == model.OpUpsert {
			inCycle[item.EntityID()] = true
		}
	}

	refSet := make(map[string]struct{})
	collections := make(map[string]string) // projectID+collection key -> dedupe
	type projColl struct{ project, collection string }
	var tombstoneQueries []projColl

	for _, item := range snapshot {
		key := item.ProjectID + "/" + item.EntityType.Collection()
		if _, seen := collections[key]; !seen {
			collections[key] = key
			tombstoneQueries = append(tombstoneQueries, projColl{item.ProjectID, item.EntityType.Collection()})
		}
		if item.Operation != model.OpUpsert {
			continue
		}
		switch item.EntityType {
		case model.EntityTask:
			if p := item.ParentID(); p != "" && !inCycle[p] {
				refSet[p] = struct{}{}
			}
		case model.EntityConnection:
			for _, ref := range []string{item.SourceID(), item.TargetID()} {
				if ref != "" && !inCycle[ref] {
					refSet[ref] = struct{}{}
				}
			}
		}
	}

	if deps.Tombstones != nil {
		for _, tq := range tombstoneQueries {
			set, err := deps.Tombstones.DeletedSet(ctx, tq.project, tq.collection)
			if err != nil {
				// Assuming nothing is deleted could resurrect a
				// tombstoned entity; the collection's upserts sit out
				// this cycle instead.
				pre.unknown[tq.collection] = struct{}{}
				q.log.Warn().Err(err).
					Str("collection", tq.collection).
					Msg("tombstone precheck failed, deferring the collection's upserts")
				continue
			}
			existing, ok := pre.tombstones[tq.collection]
			if !ok {
				existing = make(map[string]struct{})
				pre.tombstones[tq.collection] = existing
			}
			for id := range set {
				existing[id] = struct{}{}
			}
		}
	}

	if deps.Exists != nil && len(refSet) > 0 {
		refs := make([]string, 0, len(refSet))
		for ref := range refSet {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		known, err := deps.Exists.Exists(ctx, model.EntityTask.Collection(), refs)
		if err != nil {
			q.log.Debug().Err(err).Msg("existence precheck failed, assuming references exist")
			for _, ref := range refs {
				pre.existing[ref] = true
			}
		} else {
			pre.existing = known
		}
	} else {
		// No checker wired: assume references exist and let the remote
		// classify any violation.
		for ref := range refSet {
			pre.existing[ref] = true
		}
	}

	return pre
}

// orderSnapshot sorts by dependency rank then age, and topologically
// orders task upserts so a parent is pushed before its children. A cycle
// among parent links is broken defensively: the remaining tasks are
// appended in age order rather than deadlocking.
func orderSnapshot(snapshot []*model.MutationItem) (cycle bool) {
	sort.SliceStable(snapshot, func(i, j int) bool {
		ri, rj := snapshot[i].EntityType.Rank(), snapshot[j].EntityType.Rank()
		if ri != rj {
			return ri < rj
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})

	// Collect the positions of task upserts.
	var taskIdx []int
	byID := make(map[string]*model.MutationItem)
	for i, item := range snapshot {
		if item.EntityType == model.EntityTask && item.Operation == model.OpUpsert {
			taskIdx = append(taskIdx, i)
			byID[item.EntityID()] = item
		}
	}
	if len(taskIdx) < 2 {
		return false
	}

	// Kahn's algorithm over parent links restricted to this snapshot.
	indegree := make(map[string]int, len(byID))
	children := make(map[string][]string, len(byID))
	for id, item := range byID {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		if p := item.ParentID(); p != "" {
			if _, inSet := byID[p]; inSet {
				indegree[id]++
				children[p] = append(children[p], id)
			}
		}
	}

	var ready []string
	for _, i := range taskIdx {
		id := snapshot[i].EntityID()
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var ordered []*model.MutationItem
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		next := children[id]
		sort.Strings(next)
		for _, child := range next {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	// Cycle: append leftovers in their existing (age) order.
	cycle = len(ordered) < len(taskIdx)
	if cycle {
		seen := make(map[*model.MutationItem]bool, len(ordered))
		for _, item := range ordered {
			seen[item] = true
		}
		for _, i := range taskIdx {
			if !seen[snapshot[i]] {
				ordered = append(ordered, snapshot[i])
			}
		}
	}

	for n, i := range taskIdx {
		snapshot[i] = ordered[n]
	}
	return cycle
}
