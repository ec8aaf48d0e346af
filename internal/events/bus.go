package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler reacts to a published event. A returned error is logged by the bus.
type Handler func(ctx context.Context, evt Event) error

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// HandlerError describes a subscriber that failed while handling an event.
type HandlerError struct {
	Event   Name
	Handler int
	Err     error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("handler %d for %s failed: %v", e.Handler, e.Event, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

// Bus is a synchronous, process-local publish/subscribe dispatcher.
// Handlers for one Publish call run one after another in registration order;
// named handlers run before wildcard handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	wildcard []Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]Handler),
		logger:   logger,
	}
}

// On registers a handler for one event name.
func (b *Bus) On(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// OnAll registers a handler invoked for every event.
func (b *Bus) OnAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish delivers evt to every currently registered handler. Failures are
// logged and never returned; a failing handler does not stop the others.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt == nil {
		return
	}
	name := evt.Name()
	b.mu.RLock()
	named := append([]Handler(nil), b.handlers[name]...)
	wildcard := append([]Handler(nil), b.wildcard...)
	b.mu.RUnlock()

	for i, h := range named {
		b.dispatch(ctx, i, h, evt)
	}
	for i, h := range wildcard {
		b.dispatch(ctx, len(named)+i, h, evt)
	}
}

func (b *Bus) dispatch(ctx context.Context, idx int, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			err := HandlerError{Event: evt.Name(), Handler: idx, Err: fmt.Errorf("panic: %v", r)}
			b.logger.Error("event handler panicked", "event", evt.Name(), "handler", idx, "err", err, "stack", string(debug.Stack()))
		}
	}()
	if err := h(ctx, evt); err != nil {
		b.logger.Error("event handler failed", "event", evt.Name(), "handler", idx, "err", HandlerError{Event: evt.Name(), Handler: idx, Err: err})
	}
}

// Clear drops every handler registered for name.
func (b *Bus) Clear(name Name) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// ClearAll drops every registration, wildcard handlers included.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Name][]Handler)
	b.wildcard = nil
}

// HandlerCount returns the number of handlers that would see an event called name.
func (b *Bus) HandlerCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name]) + len(b.wildcard)
}
