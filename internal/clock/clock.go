// Package clock estimates client/server clock drift and provides the
// corrected timestamp comparison used for last-write-wins reconciliation.
//
// Drift is probed with a round trip: the server's clock reading minus half
// the round-trip time approximates server-time-at-send, and the difference
// to the client's send time is the drift. Single probes are noisy, so the
// engine smooths samples with an exponential moving average instead of
// replacing the estimate outright.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status classifies how far the client clock has drifted.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusSynced  Status = "synced"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Estimate is one smoothed drift reading.
type Estimate struct {
	// Drift is client minus estimated server time. Positive means the
	// client clock runs ahead.
	Drift time.Duration

	// RTT is the round-trip time of the last probe.
	RTT time.Duration

	// CheckedAt is when the last probe completed.
	CheckedAt time.Time

	// Reliable is false when the RTT was too large to trust the
	// estimate. Unreliable estimates must not gate behavior, only widen
	// safety margins.
	Reliable bool

	// Status classifies the drift magnitude.
	Status Status
}

// ServerClock is the slice of the remote interface the engine needs.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Config tunes the engine.
type Config struct {
	// WarnThreshold and ErrorThreshold classify drift magnitude.
	WarnThreshold  time.Duration
	ErrorThreshold time.Duration

	// MaxReliableRTT marks probes above this round trip unreliable.
	MaxReliableRTT time.Duration

	// SmoothingWeight is the EMA weight given to a new sample.
	SmoothingWeight float64

	// StaleAfter is how old the last probe may be before EnsureFresh
	// probes again.
	StaleAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:   30 * time.Second,
		ErrorThreshold:  5 * time.Minute,
		MaxReliableRTT:  2 * time.Second,
		SmoothingWeight: 0.2,
		StaleAfter:      10 * time.Minute,
	}
}

// Engine maintains the smoothed drift estimate. Safe for concurrent use.
type Engine struct {
	remote ServerClock
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	driftMs    float64
	haveSample bool
	last       Estimate
}

// New creates an engine. The estimate starts as unknown until the first
// probe or recorded server timestamp.
func New(remote ServerClock, cfg Config, log zerolog.Logger) *Engine {
	if cfg.SmoothingWeight <= 0 || cfg.SmoothingWeight > 1 {
		cfg.SmoothingWeight = DefaultConfig().SmoothingWeight
	}
	return &Engine{
		remote: remote,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		last:   Estimate{Status: StatusUnknown},
	}
}

// NewWithClock creates an engine with an injectable wall clock for tests.
func NewWithClock(remote ServerClock, cfg Config, log zerolog.Logger, now func() time.Time) *Engine {
	e := New(remote, cfg, log)
	e.now = now
	return e
}

// Probe performs one drift measurement round trip and folds it into the
// smoothed estimate.
//
// When the remote is unreachable the engine degrades to an unknown,
// unreliable estimate rather than returning a hard failure to sync paths;
// the transport error is still returned for callers that care.
func (e *Engine) Probe(ctx context.Context) (Estimate, error) {
	sendAt := e.now()
	serverTime, err := e.remote.ServerTime(ctx)
	recvAt := e.now()

	if err != nil {
		e.mu.Lock()
		e.last.Status = StatusUnknown
		e.last.Reliable = false
		est := e.last
		e.mu.Unlock()
		e.log.Debug().Err(err).Msg("clock probe failed")
		return est, err
	}

	rtt := recvAt.Sub(sendAt)
	// Server read its clock roughly mid-flight.
	estServerAtSend := serverTime.Add(-rtt / 2)
	sample := sendAt.Sub(estServerAtSend)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.fold(sample)
	drift := time.Duration(e.driftMs * float64(time.Millisecond))
	e.last = Estimate{
		Drift:     drift,
		RTT:       rtt,
		CheckedAt: recvAt,
		Reliable:  rtt < e.cfg.MaxReliableRTT,
		Status:    e.classify(drift),
	}

	e.log.Debug().
		Dur("drift", drift).
		Dur("rtt", rtt).
		Bool("reliable", e.last.Reliable).
		Str("status", string(e.last.Status)).
		Msg("clock probe complete")

	return e.last, nil
}

// fold applies one raw drift sample to the EMA. Caller holds e.mu.
func (e *Engine) fold(sample time.Duration) {
	ms := float64(sample) / float64(time.Millisecond)
	if !e.haveSample {
		e.driftMs = ms
		e.haveSample = true
		return
	}
	w := e.cfg.SmoothingWeight
	e.driftMs = w*ms + (1-w)*e.driftMs
}

func (e *Engine) classify(drift time.Duration) Status {
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < e.cfg.WarnThreshold:
		return StatusSynced
	case abs < e.cfg.ErrorThreshold:
		return StatusWarning
	default:
		return StatusError
	}
}

// RecordServerTimestamp folds a server-assigned timestamp from a
// successful write into the drift estimate. This refines the estimate
// continuously without a dedicated probe round trip; the sample is coarse
// (no RTT correction) so the EMA weight keeps it from dominating.
func (e *Engine) RecordServerTimestamp(serverTs time.Time) {
	if serverTs.IsZero() {
		return
	}
	sample := e.now().Sub(serverTs)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.fold(sample)
	drift := time.Duration(e.driftMs * float64(time.Millisecond))
	e.last.Drift = drift
	e.last.Status = e.classify(drift)
}

// Compare orders a local timestamp against a remote one after correcting
// the local clock by the current drift estimate. It returns -1 when the
// corrected local time is older, +1 when newer, 0 when equal. This is the
// single source of truth for "which write is newer".
func (e *Engine) Compare(localTs, remoteTs time.Time) int {
	corrected := localTs.Add(-e.Drift())
	switch {
	case corrected.Before(remoteTs):
		return -1
	case corrected.After(remoteTs):
		return 1
	}
	return 0
}

// Drift returns the current smoothed drift (client minus server). Zero
// until the first sample.
func (e *Engine) Drift() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveSample {
		return 0
	}
	return time.Duration(e.driftMs * float64(time.Millisecond))
}

// Current returns the latest estimate.
func (e *Engine) Current() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// EnsureFresh probes only when the last successful probe is stale. Probe
// failures are swallowed: sync operations proceed with a widened safety
// margin instead of blocking on an unreachable remote.
func (e *Engine) EnsureFresh(ctx context.Context) {
	e.mu.Lock()
	stale := e.last.CheckedAt.IsZero() || e.now().Sub(e.last.CheckedAt) >= e.cfg.StaleAfter
	e.mu.Unlock()

	if !stale {
		return
	}
	if _, err := e.Probe(ctx); err != nil {
		e.log.Debug().Err(err).Msg("clock refresh skipped, remote unreachable")
	}
}
