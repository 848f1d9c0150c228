// internal/delivery/registry.go
package delivery

import (
	"log/slog"
	"sync"

	"github.com/user/threadcore/internal/types"
)

// Handler receives every event committed to the store. Handlers run on the
// appending goroutine and must not block; anything slow belongs behind a
// channel on the handler's side.
type Handler func(event *types.Event)

// Registry fans committed events out to named subscribers (web pollers,
// chat surfaces, loggers). Delivery is at-least-once and best-effort;
// subscribers needing durable state read the log, not this stream.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a named handler. Re-registering a name replaces the old
// handler.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Unregister removes a handler by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Notify fans the event out to every registered handler. A panicking
// handler is logged and skipped; it never poisons the append path.
func (r *Registry) Notify(event *types.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, handler := range r.handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("delivery handler panicked", "handler", name, "event_id", string(event.ID), "panic", p)
				}
			}()
			handler(event)
		}()
	}
}
