package provider

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a read-only view of a breaker, exposed by the
// orchestrator's health metric.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	OpenedUntil         time.Time    `json:"openedUntil,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
}

// breaker is the closed -> open -> half_open -> closed state machine guarding
// one (provider, rate class) pair. Cool-downs grow exponentially on repeated
// trips, capped at maxCooldown.
type breaker struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	openedUntil         time.Time
	trips               int // consecutive open transitions, drives the exponential cool-down

	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration
	now          func() time.Time
}

func newBreaker(threshold int, baseCooldown, maxCooldown time.Duration) *breaker {
	return &breaker{
		state:        BreakerClosed,
		threshold:    threshold,
		baseCooldown: baseCooldown,
		maxCooldown:  maxCooldown,
		now:          time.Now,
	}
}

// allow reports whether a call may proceed. In the open state it fails fast
// until openedUntil; the first call after that moves the breaker to half_open
// and is allowed through as the probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().After(b.openedUntil) {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// recordSuccess closes the breaker and resets failure tracking.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.trips = 0
}

// recordFailure counts an unavailable-class failure. Crossing the threshold,
// or failing the half_open probe, opens the breaker with an exponentially
// growing cool-down.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == BreakerHalfOpen || b.consecutiveFailures >= b.threshold {
		b.open(b.nextCooldown())
	}
}

// forceOpen opens the breaker for at least d, used for rate-limit errors
// carrying a Retry-After hint.
func (b *breaker) forceOpen(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d < b.baseCooldown {
		d = b.baseCooldown
	}
	b.open(d)
}

// open transitions to the open state. Caller must hold b.mu.
func (b *breaker) open(d time.Duration) {
	b.state = BreakerOpen
	b.openedUntil = b.now().Add(d)
	b.trips++
}

// nextCooldown doubles per trip, capped. Caller must hold b.mu.
func (b *breaker) nextCooldown() time.Duration {
	d := b.baseCooldown
	for i := 0; i < b.trips; i++ {
		d *= 2
		if d >= b.maxCooldown {
			return b.maxCooldown
		}
	}
	return d
}

func (b *breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state == BreakerOpen {
		snap.OpenedUntil = b.openedUntil
	}
	return snap
}
