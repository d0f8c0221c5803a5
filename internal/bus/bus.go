// Package bus is the in-process observer event bus: daemon components
// broadcast lifecycle events, subscribers (the gateway, tests) receive them.
package bus

import (
	"sync"
	"time"
)

// Event is one observer event.
type Event struct {
	Name    string         `json:"name"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler receives broadcast events. Handlers must not block; slow consumers
// buffer on their own side.
type Handler func(Event)

// Publisher abstracts broadcast + subscription so components do not depend on
// the concrete bus.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Broadcast(ev Event)
}

// Bus is the default Publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Broadcast delivers the event to every subscriber synchronously, in
// unspecified order.
func (b *Bus) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Emit is the convenience form components wire as their emit callback.
func (b *Bus) Emit(name string, payload map[string]any) {
	b.Broadcast(Event{Name: name, Payload: payload})
}
