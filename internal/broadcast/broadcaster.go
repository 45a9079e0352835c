// Package broadcast fans progress events out to live subscribers.
//
// Publish never blocks: each subscriber has a bounded buffer and a
// subscriber whose buffer is full is dropped (its channel closed). Dropped
// or late subscribers recover the full history from the session store's
// progress log.
package broadcast

import (
	"sync"
	"sync/atomic"

	"autopilot/internal/logging"
	"autopilot/internal/session"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broadcaster is a per-session publish/subscribe registry. It holds no
// session state besides its subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

// Subscription receives one session's events in publish order.
type Subscription struct {
	SessionID string

	ch      chan session.ProgressEvent
	b       *Broadcaster
	dropped atomic.Bool
	once    sync.Once
}

// New creates a broadcaster with the given per-subscriber buffer.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe registers a subscriber for sessionID. The returned channel is
// closed on Unsubscribe, on drop, or when the broadcaster closes.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		ch:        make(chan session.ProgressEvent, b.buffer),
		b:         b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChannel()
		return sub
	}
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	logging.BroadcastDebug("Subscriber added for %s (%d total)", sessionID, len(set))
	return sub
}

// Publish delivers ev to every subscriber of ev.SessionID without blocking.
func (b *Broadcaster) Publish(ev session.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Store(true)
			b.removeLocked(sub)
			logging.BroadcastWarn("Dropped slow subscriber for %s at seq %d", ev.SessionID, ev.Seq)
		}
	}
}

// Unsubscribe removes sub and closes its channel. It is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if set, ok := b.subs[sub.SessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.SessionID)
		}
	}
	sub.closeChannel()
}

// SubscriberCount returns the live subscribers of sessionID.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Close drops every subscriber. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.closeChannel()
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan session.ProgressEvent { return s.ch }

// Dropped reports whether the subscriber was dropped for falling behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close unsubscribes.
func (s *Subscription) Close() { s.b.Unsubscribe(s) }

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
