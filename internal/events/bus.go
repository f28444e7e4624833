package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives a published event.
type Handler func(event *Event)

// Subscription identifies a registered handler so it can be removed.
type Subscription int

type subscriber struct {
	id      Subscription
	kind    EventType // empty string matches all types
	handler Handler
}

// Bus fans typed events out to registered subscribers.
//
// Delivery is synchronous on the publisher's goroutine, in registration
// order. A panicking subscriber does not stop delivery to the others and
// never reaches the publisher. The subscriber list is copy-on-write, so
// publishing never blocks on registration.
type Bus struct {
	mu     sync.Mutex
	subs   []subscriber // replaced wholesale on every mutation
	nextID Subscription
	log    zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log: log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(kind EventType, handler Handler) Subscription {
	return b.add(kind, handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	return b.add("", handler)
}

// Unsubscribe removes a previously registered handler. Removing an unknown
// subscription is a no-op.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs = next
}

func (b *Bus) add(kind EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	next := make([]subscriber, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, subscriber{id: id, kind: kind, handler: handler})
	return id
}

// Publish emits an event to all matching subscribers, in registration order.
func (b *Bus) Publish(module string, data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		if s.kind != "" && s.kind != event.Type {
			continue
		}
		b.deliver(s, event)
	}
}

// deliver invokes one handler, isolating panics from the publisher and
// from the remaining subscribers.
func (b *Bus) deliver(s subscriber, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	s.handler(event)
}
