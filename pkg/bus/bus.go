// Package bus provides the in-process topic bus decoupling the realtime
// transports from UI consumers. Dispatch is synchronous on the publishing
// goroutine; a subscriber callback never blocks or breaks delivery to the
// others.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
)

// Handler receives every envelope published on a subscribed topic.
type Handler func(evt events.Envelope)

// Token identifies one subscription for cancellation. A token cancels exactly
// one registration; cancelling twice is a no-op.
type Token string

type subscription struct {
	token   Token
	topic   string
	handler Handler
}

// Bus is a synchronous in-process topic bus. The zero value is not usable;
// construct with New. Each Bus instance is independent — no shared globals.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	byTok  map[Token]*subscription
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*subscription),
		byTok:  make(map[Token]*subscription),
	}
}

// Subscribe registers handler for topic and returns a cancellation token.
// Multiple subscribers per topic are allowed; they are invoked in
// registration order.
func (b *Bus) Subscribe(topic string, handler Handler) Token {
	sub := &subscription{
		token:   Token(uuid.NewString()),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.byTok[sub.token] = sub
	return sub.token
}

// Unsubscribe removes the registration identified by token. Safe to call
// from teardown paths while a publish is in flight, and safe to call more
// than once.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byTok[token]
	if !ok {
		return
	}
	delete(b.byTok, token)

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.token == token {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish delivers evt to every handler currently registered for topic.
// Dispatch runs against a snapshot of the subscriber list taken at call time:
// subscriptions added or removed by a callback do not affect this delivery,
// only the next one. A panicking callback is caught and logged; remaining
// subscribers still receive the event.
func (b *Bus) Publish(topic string, evt events.Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	snapshot := make([]*subscription, len(b.topics[topic]))
	copy(snapshot, b.topics[topic])
	b.mu.RUnlock()
	b.published.Add(1)

	for _, sub := range snapshot {
		b.invoke(topic, sub, evt)
	}
}

func (b *Bus) invoke(topic string, sub *subscription, evt events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.dropped.Add(1)
			logger.ErrorCF("bus", "Subscriber callback panicked", map[string]interface{}{
				"topic": topic,
				"panic": r,
			})
		}
	}()
	sub.handler(evt)
}

// SubscriberCount returns the number of live registrations for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats returns publish/drop counters for diagnostics.
func (b *Bus) Stats() (published, dropped uint64, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published.Load(), b.dropped.Load(), len(b.byTok)
}

// Close marks the bus as closed. Further publishes are no-ops; existing
// tokens remain valid to unsubscribe.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
