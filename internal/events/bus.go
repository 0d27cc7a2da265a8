// Package events provides the in-process event bus shared by the
// automation and workflow engines. Topics are dot-delimited
// ("order.created", "workflow.order-workflow.processing") and
// subscriptions may use wildcard segments.
package events

import (
	"strings"
	"sync"
	"time"
)

// Handler receives a published event.
type Handler func(Event)

// Event is one published occurrence on the bus.
type Event struct {
	Topic     string
	Payload   map[string]any
	Timestamp time.Time
}

type subscription struct {
	id      int
	pattern []string
	handler Handler
}

// Bus is a synchronous topic-based publish/subscribe bus.
// Handlers run on the publisher's goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler for every topic matching pattern and
// returns an unsubscribe function. Patterns are dot-delimited; "*"
// matches exactly one segment, and a trailing "*" matches any
// non-empty remainder ("workflow.order-workflow.*" sees every state
// event of that workflow, "*" alone sees everything).
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{
		id:      id,
		pattern: strings.Split(pattern, "."),
		handler: handler,
	})
	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every matching subscriber. A nil
// payload publishes an empty map. Subscribers see a copy of the
// payload stamped with a "timestamp" field (unless the caller set
// one); the caller's map is never written to.
func (b *Bus) Publish(topic string, payload map[string]any) {
	now := time.Now()
	stamped := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		stamped[k] = v
	}
	if _, ok := stamped["timestamp"]; !ok {
		stamped["timestamp"] = now
	}
	ev := Event{Topic: topic, Payload: stamped, Timestamp: now}

	segments := strings.Split(topic, ".")

	// Snapshot under the read lock so handlers may publish or
	// subscribe without deadlocking.
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if matchSegments(s.pattern, segments) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ev)
	}
}

func matchSegments(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "*" && i == len(pattern)-1 {
			// Trailing wildcard: at least one remaining segment.
			return len(topic) > i
		}
		if i >= len(topic) {
			return false
		}
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
