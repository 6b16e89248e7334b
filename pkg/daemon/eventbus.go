// Package daemon provides the event bus that broadcasts routing activity
// to /v1/events subscribers.
package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the activity stream.
const (
	EventRoute  = "route"  // A routing decision for an inbound event
	EventStatus = "status" // Lifecycle info (channel started, stopped)
	EventError  = "error"  // Error notification
)

// Event is a single entry on the activity stream.
type Event struct {
	Type    string `json:"type"`
	Source  string `json:"source,omitempty"`  // channel name: "slack", "matrix"
	Kind    string `json:"kind,omitempty"`    // inbound event kind
	Intent  string `json:"intent,omitempty"`  // for route events
	Message string `json:"message,omitempty"` // for status/error messages
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON, stamping it if needed.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

const subscriberBuffer = 64

// EventBus fans routing events out to subscribers and remembers the most
// recent ones in a fixed ring. A subscriber whose buffer is full misses
// events rather than stalling the publisher.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}

	ring  []Event
	next  int // slot for the next event
	count int // filled slots, at most len(ring)
}

// NewEventBus keeps the last size events. size <= 0 uses 200.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 200
	}
	return &EventBus{
		subs: make(map[chan Event]struct{}),
		ring: make([]Event, size),
	}
}

// Publish records e and delivers it to every subscriber that has room.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.ring[eb.next] = e
	eb.next = (eb.next + 1) % len(eb.ring)
	if eb.count < len(eb.ring) {
		eb.count++
	}

	for ch := range eb.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (eb *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	eb.mu.Lock()
	eb.subs[ch] = struct{}{}
	eb.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, ch)
			eb.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the latest events, oldest first. n <= 0 returns
// everything retained.
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if n <= 0 || n > eb.count {
		n = eb.count
	}
	out := make([]Event, n)
	start := eb.next - n
	if start < 0 {
		start += len(eb.ring)
	}
	for i := range out {
		out[i] = eb.ring[(start+i)%len(eb.ring)]
	}
	return out
}
