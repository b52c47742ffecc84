// Package orchestrator coordinates pushes, pulls, and queue drains across
// dependent entity types.
//
// One logical sync worker serves each client process. It is triggered by a
// periodic timer, network-restore events, explicit user actions, and
// app-resume events; overlapping triggers collapse through an in-flight
// guard so a drain never starts twice. Outbound remote calls share a
// weighted semaphore so batch operations cannot exhaust the remote
// connection pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/gridwell/gridsync/internal/breaker"
	"github.com/gridwell/gridsync/internal/clock"
	"github.com/gridwell/gridsync/internal/model"
	"github.com/gridwell/gridsync/internal/netstrategy"
	"github.com/gridwell/gridsync/internal/queue"
	"github.com/gridwell/gridsync/internal/remote"
	"github.com/gridwell/gridsync/internal/syncstate"
	"github.com/gridwell/gridsync/internal/tombstone"
)

// Breaker classes: one per destructive operation class so a failing purge
// endpoint does not block regular writes.
const (
	classWrite = "write"
	classPurge = "purge"
)

var (
	// ErrSyncInFlight means a drain or push is already running.
	ErrSyncInFlight = errors.New("sync already in progress")

	// ErrAuthPaused means writes are suspended until re-authentication.
	// Queued mutations are kept, not discarded.
	ErrAuthPaused = errors.New("writes paused pending re-authentication")
)

// CursorStore persists per-project delta-sync cursors (implemented by the
// store package).
type CursorStore interface {
	Cursor(ctx context.Context, projectID string) (time.Time, bool, error)
	SetCursor(ctx context.Context, projectID string, ts time.Time) error
}

// CursorStrategy selects how the delta cursor advances after a pull.
type CursorStrategy string

const (
	// CursorToNow advances the cursor to the local current time.
	CursorToNow CursorStrategy = "now"

	// CursorToMaxUpdated advances to the maximum server-assigned
	// updated_at observed in the pulled page.
	CursorToMaxUpdated CursorStrategy = "max-updated"
)

// Config tunes the orchestrator.
type Config struct {
	// MicroDelay is the pause between consecutive task pushes, keeping
	// batch pushes under remote rate limits.
	MicroDelay time.Duration

	// SafetyWindow is the fixed lower bound on how far the delta query
	// reaches back behind the cursor. The effective widening is
	// max(SafetyWindow, |drift|).
	SafetyWindow time.Duration

	// CursorStrategy selects the cursor advancement rule.
	CursorStrategy CursorStrategy

	// CountCheckEvery samples local vs remote entity counts on every
	// Nth push as a silent-data-loss anomaly detector. Zero disables.
	CountCheckEvery int

	// CountDriftAbs and CountDriftPct are the divergence thresholds
	// that raise the anomaly warning.
	CountDriftAbs int64
	CountDriftPct float64

	// MaxConcurrentCalls bounds simultaneous outbound remote calls.
	MaxConcurrentCalls int64

	// ResumeBudget soft-bounds drains on latency-sensitive paths
	// (app resume, network restore).
	ResumeBudget queue.Budget

	// RealtimeEnabled allows the websocket change feed; the adapter may
	// still veto it under bad conditions.
	RealtimeEnabled bool

	// FallbackAfterErrors is how many consecutive notifier failures
	// trigger the fall back to polling.
	FallbackAfterErrors int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MicroDelay:          25 * time.Millisecond,
		SafetyWindow:        30 * time.Second,
		CursorStrategy:      CursorToMaxUpdated,
		CountCheckEvery:     10,
		CountDriftAbs:       5,
		CountDriftPct:       0.05,
		MaxConcurrentCalls:  4,
		ResumeBudget:        queue.Budget{MaxItems: 25, MaxDuration: 2 * time.Second},
		RealtimeEnabled:     true,
		FallbackAfterErrors: 3,
	}
}

// Orchestrator is the sync worker. Construct with New; Close releases the
// background loop and flushes the queue.
type Orchestrator struct {
	remote     remote.Store
	notifier   remote.ChangeNotifier
	queue      *queue.Queue
	tombstones *tombstone.Store
	clock      *clock.Engine
	breakers   *breaker.Set
	strategy   *netstrategy.Adapter
	state      *syncstate.Tracker
	cursors    CursorStore
	cfg        Config
	log        zerolog.Logger
	retry      remote.RetryPolicy
	sem        *semaphore.Weighted
	now        func() time.Time

	inFlight   atomic.Bool
	authPaused atomic.Bool
	pushCount  atomic.Int64

	kick   chan struct{} // drain triggers (restore, resume, continuation)
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are the collaborators wired into a new orchestrator. Notifier is
// optional; everything else is required.
type Deps struct {
	Remote     remote.Store
	Notifier   remote.ChangeNotifier
	Queue      *queue.Queue
	Tombstones *tombstone.Store
	Clock      *clock.Engine
	Breakers   *breaker.Set
	Strategy   *netstrategy.Adapter
	State      *syncstate.Tracker
	Cursors    CursorStore
}

// New creates the sync worker. Call Run to start background scheduling,
// or drive PushProject/DrainQueue/CheckForDrift directly.
func New(deps Deps, cfg Config, log zerolog.Logger) (*Orchestrator, error) {
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if deps.Tombstones == nil {
		return nil, fmt.Errorf("tombstone store cannot be nil")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock engine cannot be nil")
	}
	if deps.Breakers == nil {
		return nil, fmt.Errorf("breaker set cannot be nil")
	}
	if deps.Cursors == nil {
		return nil, fmt.Errorf("cursor store cannot be nil")
	}
	if deps.State == nil {
		deps.State = syncstate.NewTracker()
	}
	if deps.Strategy == nil {
		deps.Strategy = netstrategy.New(netstrategy.DefaultConfig(), log)
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = DefaultConfig().MaxConcurrentCalls
	}
	if cfg.CursorStrategy == "" {
		cfg.CursorStrategy = CursorToMaxUpdated
	}
	if cfg.FallbackAfterErrors <= 0 {
		cfg.FallbackAfterErrors = DefaultConfig().FallbackAfterErrors
	}

	return &Orchestrator{
		remote:     deps.Remote,
		notifier:   deps.Notifier,
		queue:      deps.Queue,
		tombstones: deps.Tombstones,
		clock:      deps.Clock,
		breakers:   deps.Breakers,
		strategy:   deps.Strategy,
		state:      deps.State,
		cursors:    deps.Cursors,
		cfg:        cfg,
		log:        log,
		retry:      remote.DefaultRetryPolicy(),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		now:        time.Now,
		kick:       make(chan struct{}, 1),
	}, nil
}

// State returns the observable status tracker for the UI layer.
func (o *Orchestrator) State() *syncstate.Tracker { return o.state }

// attempt runs one remote call under the shared semaphore with the
// bounded in-call retry, and records the final outcome on the class's
// circuit. It does not consult Allow; callers gate themselves so half-open
// probe slots are consumed exactly once per attempt.
func (o *Orchestrator) attempt(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	b := o.breakers.For(class)
	if err := o.sem.Acquire(ctx, 1); err != nil {
		// No call was made; a held probe slot must not leak.
		b.ReleaseProbe()
		return remote.WrapError(remote.KindRetryable, class, err)
	}
	defer o.sem.Release(1)

	policy := o.retry
	if b.State() == breaker.StateHalfOpen {
		// The recovery probe is a single call; in-call retries would
		// multiply it.
		policy = remote.RetryPolicy{Attempts: 1}
	}
	err := policy.Do(ctx, func() error { return fn(ctx) })
	if err == nil {
		b.Success()
		return nil
	}

	kind := remote.KindOf(err)
	b.Failure(kind)
	if kind == remote.KindAuthExpired {
		o.pauseForAuth()
	}
	o.syncCircuitState()
	return err
}

// guarded gates one remote call on the class's circuit. When the circuit
// is open the call is not attempted and a retryable classification comes
// back, routing the mutation to the durable queue.
func (o *Orchestrator) guarded(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	if !o.breakers.For(class).Allow() {
		o.syncCircuitState()
		return remote.WrapError(remote.KindRetryable, class, errors.New("circuit open"))
	}
	return o.attempt(ctx, class, fn)
}

// observeNetwork grades the connection from the latest clock probe RTT
// and feeds it to the strategy adapter, so polling cadence and coalescing
// track observed conditions. Platform flags (battery, data saver) on the
// current sample are preserved.
func (o *Orchestrator) observeNetwork() {
	est := o.clock.Current()
	if est.CheckedAt.IsZero() || est.RTT <= 0 {
		return
	}
	sample := o.strategy.Current()
	sample.Quality = netstrategy.QualityForRTT(est.RTT)
	o.strategy.Observe(sample)
}

// pauseForAuth raises the sticky auth flag. Queued items are kept; they
// resume once NotifySessionRestored fires.
func (o *Orchestrator) pauseForAuth() {
	if o.authPaused.CompareAndSwap(false, true) {
		o.log.Warn().Msg("session expired, pausing writes until re-authentication")
		o.state.Update(func(s *syncstate.Status) {
			s.AuthPaused = true
			s.LastError = "session expired"
		})
	}
}

// NotifySessionRestored resumes paused writes and kicks a drain.
func (o *Orchestrator) NotifySessionRestored() {
	if o.authPaused.CompareAndSwap(true, false) {
		o.log.Info().Msg("session restored, resuming queued writes")
		o.state.Update(func(s *syncstate.Status) {
			s.AuthPaused = false
			s.LastError = ""
		})
		o.Kick()
	}
}

// OnNetworkRestored signals connectivity is back; pending mutations are
// drained on the worker loop with the resume budget.
func (o *Orchestrator) OnNetworkRestored() { o.Kick() }

// OnAppResume signals the app returned to the foreground.
func (o *Orchestrator) OnAppResume() { o.Kick() }

// Kick schedules a drain on the worker loop without blocking. Multiple
// concurrent kicks coalesce.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) syncCircuitState() {
	open := o.breakers.AnyOpen()
	o.state.Update(func(s *syncstate.Status) { s.CircuitOpen = open })
}

// DrainQueue processes pending mutations. Drains are idempotent and
// non-overlapping: a second caller while one is running gets
// ErrSyncInFlight. A zero budget drains everything.
func (o *Orchestrator) DrainQueue(ctx context.Context, budget queue.Budget) (*queue.DrainResult, error) {
	if o.authPaused.Load() {
		return nil, ErrAuthPaused
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer o.inFlight.Store(false)

	o.state.Update(func(s *syncstate.Status) { s.Syncing = true })
	defer func() {
		o.state.Update(func(s *syncstate.Status) {
			s.Syncing = false
			s.PendingCount = o.queue.Len()
			s.ClockStatus = string(o.clock.Current().Status)
		})
	}()

	o.clock.EnsureFresh(ctx)
	o.observeNetwork()

	deps := queue.DrainDeps{
		Handlers: o.handlers(),
		Gate: func(item *model.MutationItem) bool {
			return o.breakers.For(classWrite).Allow()
		},
		Exists:     o.existsChecker(),
		Tombstones: o.tombstones,
	}

	res, err := o.queue.Drain(ctx, deps, budget)
	if err != nil {
		return res, err
	}
	if res.Succeeded > 0 {
		o.state.Update(func(s *syncstate.Status) { s.LastSyncAt = o.now() })
	}
	o.syncCircuitState()
	if res.Partial && o.queue.Len() > 0 {
		// Continuation instead of blocking the caller.
		o.Kick()
	}
	return res, nil
}

// handlers builds the per-entity-type operation handlers the queue calls
// during a drain. All entity types share the same remote write shape.
func (o *Orchestrator) handlers() queue.HandlerSet {
	h := func(ctx context.Context, item *model.MutationItem) queue.Outcome {
		collection := item.EntityType.Collection()
		var err error
		if item.Operation == model.OpDelete {
			err = o.attempt(ctx, classWrite, func(ctx context.Context) error {
				return o.remote.Delete(ctx, collection, item.EntityID())
			})
		} else {
			err = o.attempt(ctx, classWrite, func(ctx context.Context) error {
				res, uerr := o.remote.Upsert(ctx, collection, item.Payload)
				if uerr == nil && res != nil {
					o.clock.RecordServerTimestamp(res.UpdatedAt)
				}
				return uerr
			})
		}
		return o.classifyOutcome(item, err)
	}

	return queue.HandlerSet{
		model.EntityProject:    h,
		model.EntityTask:       h,
		model.EntityConnection: h,
		model.EntityNote:       h,
	}
}

// classifyOutcome maps a classified remote error to a queue outcome and
// updates observable state for the permanent classes. Transient issues
// stay at debug level to avoid alarm fatigue.
func (o *Orchestrator) classifyOutcome(item *model.MutationItem, err error) queue.Outcome {
	if err == nil {
		return queue.OutcomeSuccess
	}
	kind := remote.KindOf(err)
	switch kind {
	case remote.KindRetryable:
		o.log.Debug().Err(err).Str("entity", item.Key()).Msg("transient failure, will retry")
		return queue.OutcomeRetryable
	case remote.KindAuthExpired:
		// Paused, not discarded: the item stays queued for the
		// session-restored signal.
		return queue.OutcomeRetryable
	case remote.KindConflict:
		o.log.Warn().Err(err).Str("entity", item.Key()).Msg("version conflict, reload required")
		o.state.Update(func(s *syncstate.Status) {
			s.Conflict = true
			s.LastError = fmt.Sprintf("conflict on %s", item.Key())
		})
		return queue.OutcomePermanent
	default:
		o.log.Warn().Err(err).Str("entity", item.Key()).Str("kind", kind.String()).
			Msg("permanent failure, dropping mutation")
		return queue.OutcomePermanent
	}
}

// existsChecker wraps the remote existence query behind the shared
// semaphore for the queue's batched pre-checks.
func (o *Orchestrator) existsChecker() queue.ExistenceChecker {
	return existsFunc(func(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
		var out map[string]bool
		err := o.attempt(ctx, classWrite, func(ctx context.Context) error {
			var ierr error
			out, ierr = o.remote.Exists(ctx, collection, ids)
			return ierr
		})
		return out, err
	})
}

type existsFunc func(ctx context.Context, collection string, ids []string) (map[string]bool, error)

func (f existsFunc) Exists(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	return f(ctx, collection, ids)
}

// Run drives the background sync loop for one project until ctx is
// cancelled: periodic drains and delta pulls at the strategy's polling
// interval, immediate drains on kicks, and the realtime change feed with
// fallback to polling on repeated delivery errors.
func (o *Orchestrator) Run(ctx context.Context, projectID string) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if o.notifier != nil && o.cfg.RealtimeEnabled {
		o.wg.Add(1)
		go o.runNotifier(ctx, projectID)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(o.strategy.PollInterval())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-timer.C:
				if o.strategy.AutoSyncAllowed() {
					o.syncOnce(ctx, projectID, queue.Budget{})
				}
				timer.Reset(o.strategy.PollInterval())

			case <-o.kick:
				// Bursts of change signals batch into one drain; worse
				// networks hold the window open longer.
				if !o.waitCoalesce(ctx) {
					return
				}
				// Latency-sensitive path: soft budget, continuation
				// handled by DrainQueue kicking again.
				o.syncOnce(ctx, projectID, o.cfg.ResumeBudget)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(o.strategy.PollInterval())
			}
		}
	}()

	<-ctx.Done()
	o.wg.Wait()
	return nil
}

// waitCoalesce holds a kicked drain open for the strategy's coalescing
// window. Returns false when ctx ended during the wait.
func (o *Orchestrator) waitCoalesce(ctx context.Context) bool {
	window := o.strategy.CoalesceWindow()
	if window <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) syncOnce(ctx context.Context, projectID string, budget queue.Budget) {
	if _, err := o.DrainQueue(ctx, budget); err != nil {
		if !errors.Is(err, ErrSyncInFlight) && !errors.Is(err, ErrAuthPaused) {
			o.log.Debug().Err(err).Msg("drain failed")
		}
	}
	if _, err := o.CheckForDrift(ctx, projectID); err != nil {
		o.log.Debug().Err(err).Msg("delta sync failed")
	}
}

// runNotifier holds the realtime subscription, falling back to polling
// after repeated delivery errors. Polling continues regardless; the feed
// only adds immediacy.
func (o *Orchestrator) runNotifier(ctx context.Context, projectID string) {
	defer o.wg.Done()

	failures := 0
	for ctx.Err() == nil {
		if !o.strategy.RealtimeAllowed() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.strategy.PollInterval()):
			}
			continue
		}

		err := o.notifier.Subscribe(ctx, projectID, func() { o.Kick() })
		if err == nil {
			failures = 0
			continue
		}
		failures++
		if failures >= o.cfg.FallbackAfterErrors {
			o.log.Warn().Int("failures", failures).
				Msg("realtime change feed unavailable, relying on polling")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(failures) * time.Second):
		}
	}
}

// Close stops the background loop, unsubscribes the change feed, and
// synchronously flushes the queue. Safe to call from a shutdown hook.
func (o *Orchestrator) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	if o.notifier != nil {
		o.notifier.Unsubscribe()
	}
	o.queue.FlushSync()
}
