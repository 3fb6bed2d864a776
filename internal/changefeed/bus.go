package changefeed

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

type (
	// Handler handles an event published on the bus.
	Handler func(ChangeEvent) error

	// Bus relays events published for a resource to every handler
	// subscribed to that resource, in the order they subscribed.
	Bus struct {
		logr.Logger

		// handlers keyed by resource name. Slices are replaced, never
		// modified in place, so a publisher can iterate a slice without
		// holding the lock.
		handlers map[string][]*subscriber
		mu       sync.RWMutex
	}

	subscriber struct {
		handle Handler
	}
)

func NewBus(logger logr.Logger) *Bus {
	return &Bus{
		Logger:   logger.WithValues("component", "bus"),
		handlers: make(map[string][]*subscriber),
	}
}

// Subscribe registers a handler for events published for the resource. The
// returned func removes the handler and is safe to call more than once.
func (b *Bus) Subscribe(resource string, h Handler) (unsubscribe func()) {
	sub := &subscriber{handle: h}

	b.mu.Lock()
	b.handlers[resource] = append(slices.Clip(b.handlers[resource]), sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(resource, sub) })
	}
}

func (b *Bus) unsubscribe(resource string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := slices.DeleteFunc(slices.Clone(b.handlers[resource]), func(s *subscriber) bool {
		return s == sub
	})
	if len(remaining) == 0 {
		delete(b.handlers, resource)
		return
	}
	b.handlers[resource] = remaining
}

// Publish synchronously invokes every handler currently subscribed to the
// resource. A handler that errors or panics is logged and skipped; the
// remaining handlers still receive the event.
func (b *Bus) Publish(resource string, event ChangeEvent) {
	b.mu.RLock()
	subs := b.handlers[resource]
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.invoke(event); err != nil {
			b.Error(err, "handling event", "event", event)
		}
	}
}

// Len returns the number of handlers subscribed to the resource.
func (b *Bus) Len(resource string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[resource])
}

func (s *subscriber) invoke(event ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handle(event)
}
