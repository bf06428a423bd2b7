// Package eventbus fans a session's ordered sessionevent.Event stream out to
// any number of subscribers (the Runtime Facade's SubscribeEvents transport,
// introspection tooling, tests). Delivery is per-subscriber buffered and
// non-blocking: a slow subscriber falls behind and is told so via
// SubscriberLagged rather than stalling the Session Actor that publishes.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/acrylicshrimp/fathom/runtime/agent/sessionevent"
)

// DefaultBufferSize is the per-subscriber channel capacity used when callers
// do not specify one via WithBufferSize.
const DefaultBufferSize = 256

type (
	// Bus publishes ordered sessionevent.Event values for a single session and
	// fans them out to subscribers registered via Subscribe.
	//
	// A Bus assigns each published event the next Seq for its session;
	// callers must publish events for a given session from a single goroutine
	// (the Session Actor loop) so ordering is well defined.
	Bus struct {
		mu     sync.RWMutex
		seq    uint64
		subs   map[uint64]*subscription
		nextID uint64
		closed bool
	}

	// Subscription is a handle returned by Subscribe. Callers must call Close
	// when done to release the subscriber's channel and stop delivery.
	Subscription struct {
		id     uint64
		bus    *Bus
		events chan sessionevent.Event
		lagged chan struct{}
		once   sync.Once
	}
)

// New constructs an empty Bus for a single session.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	events  chan sessionevent.Event
	lagged  chan struct{}
	dropped atomic.Bool
}

// Subscribe registers a new subscriber with the given buffer size (or
// DefaultBufferSize when bufferSize <= 0) and returns a Subscription whose
// Events channel receives every event published after this call.
func (b *Bus) Subscribe(bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{
		events: make(chan sessionevent.Event, bufferSize),
		lagged: make(chan struct{}, 1),
	}
	b.subs[id] = sub

	return &Subscription{id: id, bus: b, events: sub.events, lagged: sub.lagged}
}

// Publish assigns the next sequence number to evt and delivers it to every
// live subscriber. Delivery never blocks: a subscriber whose buffer is full
// is marked lagged (its Lagged channel receives a signal) and the event is
// dropped for that subscriber only.
func (b *Bus) Publish(evt sessionevent.Event) sessionevent.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return evt
	}
	b.seq++
	stamped := evt.WithSeq(b.seq)

	for _, sub := range b.subs {
		select {
		case sub.events <- stamped:
			sub.dropped.Store(false)
		default:
			if sub.dropped.CompareAndSwap(false, true) {
				select {
				case sub.lagged <- struct{}{}:
				default:
				}
			}
		}
	}
	return stamped
}

// Close shuts down the bus and closes every live subscriber's channels. It is
// idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.events)
		close(sub.lagged)
		delete(b.subs, id)
	}
}

// Events returns the channel of events delivered to this subscription.
func (s *Subscription) Events() <-chan sessionevent.Event { return s.events }

// Lagged signals (at most once between drains) that this subscriber's buffer
// filled and at least one event was dropped. Callers that observe a signal
// here should treat their view of the session as requiring a fresh snapshot
// (spec's EventsExpired semantics) rather than assuming contiguous delivery.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Close unregisters this subscription from its Bus. Safe to call multiple
// times.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if sub, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(sub.events)
			close(sub.lagged)
		}
	})
}
