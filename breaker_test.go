package atelier

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newBreaker()
	for i := 0; i < breakerFailThreshold; i++ {
		if !b.Allow() {
			t.Fatalf("breaker should allow before threshold, failed at %d", i)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerOpen {
		t.Errorf("expected open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should not allow")
	}
}

func TestBreakerSuccessResetsWindow(t *testing.T) {
	b := newBreaker()
	for i := 0; i < breakerFailThreshold-1; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailThreshold; i++ {
		b.RecordFailure()
	}
	if b.Allow() {
		t.Fatal("open breaker should not allow")
	}

	now = now.Add(breakerOpenFor)
	if !b.Allow() {
		t.Fatal("expected half-open probe after open interval")
	}
	// Only one probe at a time.
	if b.Allow() {
		t.Error("second probe should be rejected while first is in flight")
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow")
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailThreshold; i++ {
		b.RecordFailure()
	}
	now = now.Add(breakerOpenFor)
	if !b.Allow() {
		t.Fatal("expected probe")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Errorf("failed probe should reopen, got %s", b.State())
	}
	if b.Allow() {
		t.Error("reopened breaker should not allow")
	}
}

func TestBreakerWindowPrunesOldFailures(t *testing.T) {
	now := time.Now()
	b := newBreaker()
	b.now = func() time.Time { return now }

	// Failures spread past the window never accumulate to the threshold.
	for i := 0; i < breakerFailThreshold*2; i++ {
		b.RecordFailure()
		now = now.Add(breakerWindow)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}
