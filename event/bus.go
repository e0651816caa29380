package event

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives events synchronously on the emitting goroutine.
// Handlers must not block; anything slow should hand off to its own
// goroutine or channel.
type Handler func(Event)

// Bus is a synchronous publish/subscribe fan-out.
// A zero Bus is not usable; construct with NewBus.
type Bus struct {
	mu             sync.RWMutex
	handlers       map[Type][]*subscription
	globalHandlers []*subscription
	logger         *zap.SugaredLogger
}

type subscription struct {
	handler Handler
}

// NewBus creates an event bus. The logger may be nil for silent operation.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		handlers: make(map[Type][]*subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type.
// The returned function removes the subscription.
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[eventType] = removeSubscription(b.handlers[eventType], sub)
	}
}

// SubscribeAll registers a handler for every event type.
// The returned function removes the subscription.
func (b *Bus) SubscribeAll(handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.globalHandlers = append(b.globalHandlers, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.globalHandlers = removeSubscription(b.globalHandlers, sub)
	}
}

// Emit delivers the event to all matching handlers in subscription order.
// A panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	typed := append([]*subscription(nil), b.handlers[evt.Type]...)
	global := append([]*subscription(nil), b.globalHandlers...)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.deliver(sub, evt)
	}
	for _, sub := range global {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Errorw("Event handler panicked",
				"event_type", string(evt.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(evt)
}

// Clear removes every subscription. Intended for tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type][]*subscription)
	b.globalHandlers = nil
}

func removeSubscription(subs []*subscription, target *subscription) []*subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
