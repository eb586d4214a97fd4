// Package notify is a small in-process event bus for session lifecycle
// events. Producers publish without blocking; a slow or failed subscriber
// drops events rather than stalling the session path.
package notify

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle transition.
type EventType string

const (
	SessionCreated   EventType = "session_created"
	TurnAppended     EventType = "turn_appended"
	SessionFinalized EventType = "session_finalized"
	SessionAbandoned EventType = "session_abandoned"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time
	// Payload carries event-specific data: the transcript for
	// session_finalized, the turn count for turn_appended.
	Payload any
}

const subscriberBuffer = 64

// Bus fans events out to subscribers. The zero value is not usable; call
// New.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	dropped int
	closed  bool
}

// New creates a Bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to all current subscribers. Sends are non-blocking:
// a subscriber whose buffer is full misses the event, and the drop is
// counted rather than propagated. Publishing never fails.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel of future events and an unsubscribe function.
// The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down: all subscriber channels are closed and further
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
