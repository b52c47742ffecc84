package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeServer returns scripted server times and consumes a controllable
// amount of fake wall-clock time per call.
type fakeServer struct {
	clk    *fakeClock
	offset time.Duration // server = client + offset
	rtt    time.Duration
	err    error
}

func (s *fakeServer) ServerTime(ctx context.Context) (time.Time, error) {
	if s.err != nil {
		return time.Time{}, s.err
	}
	// The server reads its clock mid-flight.
	s.clk.advance(s.rtt / 2)
	at := s.clk.at.Add(s.offset)
	s.clk.advance(s.rtt / 2)
	return at, nil
}

type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestEngine(offset, rtt time.Duration) (*Engine, *fakeClock, *fakeServer) {
	clk := newFakeClock()
	srv := &fakeServer{clk: clk, offset: offset, rtt: rtt}
	e := NewWithClock(srv, DefaultConfig(), zerolog.Nop(), clk.now)
	return e, clk, srv
}

func TestEngineStartsUnknown(t *testing.T) {
	e, _, _ := newTestEngine(0, 0)
	if got := e.Current().Status; got != StatusUnknown {
		t.Errorf("initial status = %v, want unknown", got)
	}
	if e.Drift() != 0 {
		t.Errorf("initial drift = %v, want 0", e.Drift())
	}
}

func TestProbeMeasuresDrift(t *testing.T) {
	// Server runs 90s behind the client, so drift is +90s.
	e, _, _ := newTestEngine(-90*time.Second, 100*time.Millisecond)

	est, err := e.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if est.Drift != 90*time.Second {
		t.Errorf("drift = %v, want 90s", est.Drift)
	}
	if est.RTT != 100*time.Millisecond {
		t.Errorf("rtt = %v, want 100ms", est.RTT)
	}
	if !est.Reliable {
		t.Error("100ms probe should be reliable")
	}
	if est.Status != StatusWarning {
		t.Errorf("status = %v, want warning for 90s drift", est.Status)
	}
}

func TestProbeStatusThresholds(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   Status
	}{
		{"in sync", 0, StatusSynced},
		{"under warn threshold", -10 * time.Second, StatusSynced},
		{"over warn threshold", -45 * time.Second, StatusWarning},
		{"over error threshold", -6 * time.Minute, StatusError},
		{"client behind server", 45 * time.Second, StatusWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(tt.offset, 50*time.Millisecond)
			est, err := e.Probe(context.Background())
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if est.Status != tt.want {
				t.Errorf("status = %v, want %v", est.Status, tt.want)
			}
		})
	}
}

func TestProbeHighRTTUnreliable(t *testing.T) {
	e, _, _ := newTestEngine(-time.Minute, 3*time.Second)
	est, err := e.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if est.Reliable {
		t.Error("3s round trip should mark the estimate unreliable")
	}
}

func TestProbeSmoothsSamples(t *testing.T) {
	e, _, srv := newTestEngine(-100*time.Second, 0)

	if _, err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if e.Drift() != 100*time.Second {
		t.Fatalf("first sample drift = %v, want 100s", e.Drift())
	}

	// The offset jumps; the estimate moves only by the EMA weight.
	srv.offset = -200 * time.Second
	if _, err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	// 0.2*200s + 0.8*100s = 120s
	if e.Drift() != 120*time.Second {
		t.Errorf("smoothed drift = %v, want 120s", e.Drift())
	}
}

func TestProbeFailureDegradesToUnknown(t *testing.T) {
	e, _, srv := newTestEngine(-time.Minute, 0)
	if _, err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	srv.err = errors.New("connection refused")
	est, err := e.Probe(context.Background())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if est.Status != StatusUnknown {
		t.Errorf("status after failed probe = %v, want unknown", est.Status)
	}
	if est.Reliable {
		t.Error("failed probe should not be reliable")
	}
	// The smoothed drift itself survives for safety-window widening.
	if e.Drift() != time.Minute {
		t.Errorf("drift after failed probe = %v, want 1m", e.Drift())
	}
}

func TestCompareCorrectsForDrift(t *testing.T) {
	// Client 90s ahead of the server. A local edit made 30s after a
	// remote edit (by wall time at each device) looks 120s newer raw,
	// but only 30s newer corrected.
	e, clk, _ := newTestEngine(-90*time.Second, 0)
	if _, err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	remoteTs := clk.at.Add(-90 * time.Second) // now, in server time
	localTs := clk.at.Add(-60 * time.Second)  // 60s ago, client time

	// Raw comparison would call the local edit newer.
	if !localTs.After(remoteTs) {
		t.Fatal("test setup: raw local should appear newer")
	}
	// Corrected comparison knows it is 60s older.
	if got := e.Compare(localTs, remoteTs); got != -1 {
		t.Errorf("Compare = %d, want -1 (corrected local is older)", got)
	}

	newerLocal := clk.at.Add(-90*time.Second + 10*time.Second)
	// corrected = newerLocal - 90s... that is 10s after remoteTs once
	// the drift is removed.
	if got := e.Compare(newerLocal.Add(90*time.Second), remoteTs); got != 1 {
		t.Errorf("Compare = %d, want 1", got)
	}
}

func TestCompareEqual(t *testing.T) {
	e, clk, _ := newTestEngine(0, 0)
	ts := clk.at
	if got := e.Compare(ts, ts); got != 0 {
		t.Errorf("Compare(ts, ts) = %d, want 0", got)
	}
}

func TestRecordServerTimestamp(t *testing.T) {
	clk := newFakeClock()
	e := NewWithClock(nil, DefaultConfig(), zerolog.Nop(), clk.now)

	e.RecordServerTimestamp(clk.at.Add(-40 * time.Second))
	if e.Drift() != 40*time.Second {
		t.Errorf("drift = %v, want 40s", e.Drift())
	}
	if e.Current().Status != StatusWarning {
		t.Errorf("status = %v, want warning", e.Current().Status)
	}

	e.RecordServerTimestamp(time.Time{})
	if e.Drift() != 40*time.Second {
		t.Error("zero timestamp should be ignored")
	}
}

func TestEnsureFreshSkipsRecentProbe(t *testing.T) {
	e, clk, srv := newTestEngine(0, 0)
	if _, err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	// A fresh estimate means the remote must not be consulted again,
	// even if it would now fail.
	srv.err = errors.New("unreachable")
	e.EnsureFresh(context.Background())
	if e.Current().Status != StatusSynced {
		t.Errorf("status = %v, want synced (no re-probe expected)", e.Current().Status)
	}

	clk.advance(11 * time.Minute)
	e.EnsureFresh(context.Background())
	if e.Current().Status != StatusUnknown {
		t.Errorf("status = %v, want unknown after failed stale refresh", e.Current().Status)
	}
}
