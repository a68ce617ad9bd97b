package atelier

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	breakerFailThreshold = 5
	breakerWindow        = 60 * time.Second
	breakerOpenFor       = 120 * time.Second
)

// breaker is a per-provider circuit breaker. It opens after
// breakerFailThreshold consecutive hard failures inside a sliding window,
// stays open for breakerOpenFor, then allows a single half-open probe.
// Rate-limit failures never reach the breaker; the gateway keeps those in
// a separate cooldown.
type breaker struct {
	mu sync.Mutex

	state    BreakerState
	fails    []time.Time // consecutive hard failures, pruned to the window
	openedAt time.Time
	probing  bool // a half-open probe is in flight

	now func() time.Time // test hook
}

func newBreaker() *breaker {
	return &breaker{state: BreakerClosed, now: time.Now}
}

// Allow reports whether a call may proceed. In half-open state at most one
// probe is admitted at a time.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < breakerOpenFor {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure window.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.fails = b.fails[:0]
	b.probing = false
}

// RecordFailure counts one hard (non-retriable) failure. A failed half-open
// probe re-opens immediately; in closed state the breaker opens once the
// consecutive count inside the window reaches the threshold.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == BreakerHalfOpen {
		b.open(now)
		return
	}

	cutoff := now.Add(-breakerWindow)
	i := 0
	for i < len(b.fails) && b.fails[i].Before(cutoff) {
		i++
	}
	b.fails = append(b.fails[i:], now)
	if len(b.fails) >= breakerFailThreshold {
		b.open(now)
	}
}

func (b *breaker) open(at time.Time) {
	b.state = BreakerOpen
	b.openedAt = at
	b.fails = b.fails[:0]
	b.probing = false
}

// State returns the current circuit state, advancing open -> half_open when
// the open interval has elapsed.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= breakerOpenFor {
		return BreakerHalfOpen
	}
	return b.state
}
