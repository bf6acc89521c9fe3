// Package bus provides the process-wide pub/sub of named lifecycle events that extensions
// subscribe to. The bus is an explicit value passed to extensions at setup rather than global
// state, so tests and embedders can run isolated instances.
package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names a lifecycle event emitted by the gateway.
type Event string

// Lifecycle events observable by extensions.
const (
	ClientConnection       Event = "client-connection"
	ClientAuthenticated    Event = "client-authenticated"
	ClientToClientMessage  Event = "client-to-client-message"
	ClientToChannelMessage Event = "client-to-channel-message"
	ClientDisconnect       Event = "client-disconnect"
	MessagePublished       Event = "message-published"
)

// Handler receives an event and its payload. Payload types are defined by the emitting
// package (see the gateway package's *Event structs).
type Handler func(event Event, payload any)

// Bus delivers events synchronously, in subscription order, to every handler registered for
// the event name. A panicking handler is recovered and logged; it never prevents delivery to
// later handlers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]Handler
	log  zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[Event][]Handler),
		log:  logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a handler for the named event. Subscriptions are expected at startup,
// before events flow, but late subscription is safe.
func (b *Bus) Subscribe(event Event, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], h)
}

// Publish delivers the payload to every subscriber of the event, synchronously and in the
// order they subscribed.
func (b *Bus) Publish(event Event, payload any) {
	b.mu.RLock()
	handlers := b.subs[event]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(event, payload, h)
	}
}

func (b *Bus) deliver(event Event, payload any, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", string(event)).Any("panic", r).
				Msg("Event subscriber panicked")
		}
	}()
	h(event, payload)
}
