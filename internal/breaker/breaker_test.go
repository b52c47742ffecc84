package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/gridwell/gridsync/internal/remote"
)

// fakeClock is an advanceable clock for driving recovery windows.
type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func TestBreakerStartsClosed(t *testing.T) {
	b := New(3, time.Second)
	if b.State() != StateClosed {
		t.Errorf("new breaker state = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("new breaker should allow calls")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clk := newFakeClock()
	b := NewWithClock(3, time.Second, clk.now)

	b.Failure(remote.KindRetryable)
	b.Failure(remote.KindRetryable)
	if b.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", b.State())
	}

	b.Failure(remote.KindRetryable)
	if b.State() != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should deny calls inside the recovery window")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Second)

	b.Failure(remote.KindRetryable)
	b.Failure(remote.KindRetryable)
	b.Success()
	b.Failure(remote.KindRetryable)
	b.Failure(remote.KindRetryable)

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (success should reset the streak)", b.State())
	}
}

func TestBreakerNonQualifyingFailuresDoNotTrip(t *testing.T) {
	b := New(3, time.Second)

	for _, kind := range []remote.Kind{remote.KindConflict, remote.KindValidation, remote.KindConstraint, remote.KindAuthExpired} {
		for i := 0; i < 5; i++ {
			b.Failure(kind)
		}
		if b.State() != StateClosed {
			t.Errorf("kind %v tripped the breaker", kind)
		}
	}
}

func TestBreakerRecoveryProbe(t *testing.T) {
	clk := newFakeClock()
	b := NewWithClock(3, 1000*time.Millisecond, clk.now)

	for i := 0; i < 3; i++ {
		b.Failure(remote.KindRetryable)
	}
	openedAt := b.OpenedAt()

	clk.advance(999 * time.Millisecond)
	if b.Allow() {
		t.Fatal("breaker allowed a call before the recovery window elapsed")
	}

	clk.advance(2 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker denied the probe after the recovery window")
	}
	if b.Allow() {
		t.Error("only a single probe should be admitted in half-open")
	}

	// Probe fails: the circuit reopens with a fresh timer.
	clk.advance(50 * time.Millisecond)
	b.Failure(remote.KindRetryable)
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", b.State())
	}
	if !b.OpenedAt().After(openedAt) {
		t.Error("failed probe should restart the recovery window")
	}
	if b.Allow() {
		t.Error("reopened breaker should deny calls again")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	clk := newFakeClock()
	b := NewWithClock(3, time.Second, clk.now)

	for i := 0; i < 3; i++ {
		b.Failure(remote.KindRetryable)
	}
	clk.advance(1001 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe grant")
	}
	b.Success()

	if b.State() != StateClosed {
		t.Fatalf("state after successful probe = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow calls")
	}
}

func TestBreakerHalfOpenNonQualifyingFailureCloses(t *testing.T) {
	clk := newFakeClock()
	b := NewWithClock(3, time.Second, clk.now)

	for i := 0; i < 3; i++ {
		b.Failure(remote.KindRetryable)
	}
	clk.advance(1001 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe grant")
	}

	// A conflict still proves the remote answered.
	b.Failure(remote.KindConflict)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after a non-transport probe failure", b.State())
	}
}

func TestBreakerReleaseProbeReturnsSlot(t *testing.T) {
	clk := newFakeClock()
	b := NewWithClock(3, time.Second, clk.now)

	for i := 0; i < 3; i++ {
		b.Failure(remote.KindRetryable)
	}
	clk.advance(1001 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe grant")
	}
	if b.Allow() {
		t.Fatal("second probe should be denied while the slot is held")
	}

	// The caller never made the call; the slot goes back.
	b.ReleaseProbe()
	if !b.Allow() {
		t.Error("released probe slot should be grantable again")
	}
}

func TestBreakerReleaseProbeOutsideHalfOpenIsNoOp(t *testing.T) {
	b := New(3, time.Second)

	b.ReleaseProbe()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow calls")
	}
}

func TestBreakerOpenReportsHalfOpenAfterWindow(t *testing.T) {
	clk := newFakeClock()
	b := NewWithClock(1, time.Second, clk.now)

	b.Failure(remote.KindRetryable)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	clk.advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Errorf("state past recovery window = %v, want half-open", b.State())
	}
}

func TestSetIsolatesClasses(t *testing.T) {
	clk := newFakeClock()
	s := NewSetWithClock(2, time.Second, clk.now)

	s.For("purge").Failure(remote.KindRetryable)
	s.For("purge").Failure(remote.KindRetryable)

	if s.For("purge").State() != StateOpen {
		t.Fatal("purge circuit should be open")
	}
	if s.For("write").State() != StateClosed {
		t.Error("write circuit should be unaffected by purge failures")
	}
	if !s.For("write").Allow() {
		t.Error("write circuit should still allow calls")
	}
	if !s.AnyOpen() {
		t.Error("AnyOpen should report the open purge circuit")
	}
}

func TestSetReturnsSameCircuit(t *testing.T) {
	s := NewSet(3, time.Second)
	if s.For("write") != s.For("write") {
		t.Error("For should return the same circuit per class")
	}
}

func TestKindOfUnknownErrorQualifies(t *testing.T) {
	b := New(1, time.Second)
	b.Failure(remote.KindOf(errors.New("connection reset")))
	if b.State() != StateOpen {
		t.Error("unclassified errors should count as transport failures")
	}
}
