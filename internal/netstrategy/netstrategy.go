// Package netstrategy tunes sync behavior to the observed network and
// power conditions.
//
// The adapter consumes condition samples from the platform layer
// (connection quality, battery, data-saver) and answers three questions
// for the orchestrator: how often to poll, how long to coalesce batched
// writes, and whether automatic syncing is permitted at all.
package netstrategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Quality grades the current connection.
type Quality int

const (
	QualityOffline Quality = iota
	QualityPoor
	QualityDegraded
	QualityGood
)

// String returns the quality name for logs.
func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityDegraded:
		return "degraded"
	case QualityGood:
		return "good"
	}
	return "unknown"
}

// QualityForRTT grades a connection from a measured round-trip time.
// The clock engine's probe RTTs feed this.
func QualityForRTT(rtt time.Duration) Quality {
	switch {
	case rtt <= 0:
		return QualityOffline
	case rtt < 300*time.Millisecond:
		return QualityGood
	case rtt < 1500*time.Millisecond:
		return QualityDegraded
	default:
		return QualityPoor
	}
}

// Sample is one observation of platform conditions.
type Sample struct {
	Quality   Quality
	OnBattery bool
	DataSaver bool
}

// Config sets the tuning bounds.
type Config struct {
	// ActivePoll is the polling interval under good conditions.
	ActivePoll time.Duration

	// IdlePoll is the interval under degraded conditions, on battery,
	// or while backing off.
	IdlePoll time.Duration

	// CoalesceMin and CoalesceMax bound the batching window for
	// outgoing writes.
	CoalesceMin time.Duration
	CoalesceMax time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ActivePoll:  30 * time.Second,
		IdlePoll:    5 * time.Minute,
		CoalesceMin: 500 * time.Millisecond,
		CoalesceMax: 5 * time.Second,
	}
}

// Adapter derives sync tuning from the latest condition sample. Safe for
// concurrent use; Observe is called by the platform layer, the getters by
// the sync worker.
type Adapter struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	last Sample
}

// New creates an adapter that assumes a good connection until the first
// observation arrives.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.ActivePoll <= 0 {
		cfg.ActivePoll = DefaultConfig().ActivePoll
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultConfig().IdlePoll
	}
	if cfg.CoalesceMin <= 0 {
		cfg.CoalesceMin = DefaultConfig().CoalesceMin
	}
	if cfg.CoalesceMax < cfg.CoalesceMin {
		cfg.CoalesceMax = DefaultConfig().CoalesceMax
	}
	return &Adapter{
		cfg:  cfg,
		log:  log,
		last: Sample{Quality: QualityGood},
	}
}

// Observe records a new condition sample.
func (a *Adapter) Observe(s Sample) {
	a.mu.Lock()
	changed := s != a.last
	a.last = s
	a.mu.Unlock()

	if changed {
		a.log.Debug().
			Str("quality", s.Quality.String()).
			Bool("battery", s.OnBattery).
			Bool("data_saver", s.DataSaver).
			Msg("network conditions changed")
	}
}

// Current returns the latest sample.
func (a *Adapter) Current() Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// PollInterval returns how often the periodic drain/delta timer should
// fire under current conditions.
func (a *Adapter) PollInterval() time.Duration {
	s := a.Current()
	switch {
	case s.Quality == QualityOffline:
		return a.cfg.IdlePoll
	case s.Quality == QualityPoor, s.OnBattery, s.DataSaver:
		return a.cfg.IdlePoll
	case s.Quality == QualityDegraded:
		// Halfway between active and idle.
		return a.cfg.ActivePoll + (a.cfg.IdlePoll-a.cfg.ActivePoll)/2
	default:
		return a.cfg.ActivePoll
	}
}

// CoalesceWindow returns how long outgoing writes should be batched
// before a push. Worse networks coalesce longer to amortize round trips.
func (a *Adapter) CoalesceWindow() time.Duration {
	switch a.Current().Quality {
	case QualityGood:
		return a.cfg.CoalesceMin
	case QualityDegraded:
		return (a.cfg.CoalesceMin + a.cfg.CoalesceMax) / 2
	default:
		return a.cfg.CoalesceMax
	}
}

// AutoSyncAllowed reports whether background syncing may run at all.
// Data-saver mode and a dead connection suppress it; explicit user
// actions still sync.
func (a *Adapter) AutoSyncAllowed() bool {
	s := a.Current()
	if s.DataSaver {
		return false
	}
	return s.Quality != QualityOffline
}

// RealtimeAllowed reports whether a realtime (websocket) change feed is
// worth holding open under current conditions.
func (a *Adapter) RealtimeAllowed() bool {
	s := a.Current()
	return s.Quality >= QualityDegraded && !s.DataSaver
}
