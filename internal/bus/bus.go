package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// MessageBus is an in-process EventPublisher. Handlers run synchronously on the
// broadcasting goroutine, so they must not block.
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates an empty MessageBus.
func New() *MessageBus {
	return &MessageBus{handlers: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any previous handler with that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber. A panicking handler is logged and skipped.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus.handler_panic", "event", event.Name, "panic", r, "stack", string(debug.Stack()))
				}
			}()
			h(event)
		}()
	}
}

// SubscriberCount returns the number of registered handlers.
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
