// Package bus provides the in-process publish/subscribe channel that fans
// output events out to subscribers. Every subscriber owns a bounded queue;
// when a queue is full the oldest event is dropped so a slow subscriber can
// never block a publisher.
package bus

import (
	"sync"
	"time"
)

// EventType distinguishes the kinds of events carried on the bus.
type EventType string

const (
	// EventOutput is a plain output delta or snapshot.
	EventOutput EventType = "output"
	// EventError is a detected error block with a dedup key.
	EventError EventType = "error"
	// EventSessionEnded signals that the underlying session terminated.
	EventSessionEnded EventType = "session_ended"
)

// Stream identifies which output stream an event belongs to.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event is one record published on the bus.
type Event struct {
	Type      EventType
	SessionID string
	Stream    Stream
	Payload   string
	// Key is set for EventError: the stable dedup key of the block.
	Key  string
	Rule string
	Time time.Time
}

// DefaultQueueSize is the per-subscriber queue bound used when none is given.
const DefaultQueueSize = 256

// Subscription is one subscriber's delivery queue.
type Subscription struct {
	sessionID string
	ch        chan Event
	bus       *Bus

	mu     sync.Mutex
	closed bool
}

// Events returns the receive channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel removes the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
}

// deliver enqueues one event, evicting the oldest queued event on overflow.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
			// Oldest dropped; retry the send.
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans published events out to matching subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
}

// New creates a bus whose subscribers get queues of queueSize entries
// (0 means DefaultQueueSize).
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a subscriber for one session's events. An empty
// sessionID subscribes to every session.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, b.queueSize),
		bus:       b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers evt to every matching subscriber. Delivery to one
// subscriber never blocks on another.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.sessionID == "" || sub.sessionID == evt.SessionID {
			sub.deliver(evt)
		}
	}
}

// DropSession cancels every subscription bound to the given session.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	var victims []*Subscription
	for sub := range b.subs {
		if sub.sessionID == sessionID {
			victims = append(victims, sub)
			delete(b.subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range victims {
		sub.close()
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
