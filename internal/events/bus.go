package events

import (
	"fmt"
	"sync"

	"github.com/kimhsiao/worktally/internal/logging"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

// Handler receives an event on the emitting goroutine.
type Handler func(Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	id uint64
}

type entry struct {
	id   uint64
	name string
	fn   Handler
}

// Bus is a synchronous publish/subscribe hub. Handlers, named and wildcard
// alike, run in registration order on the goroutine that calls Emit. A
// panicking handler is recovered and logged; later handlers still run and
// Emit never panics.
type Bus struct {
	mu       sync.RWMutex
	handlers []entry
	nextID   uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// On registers fn for events named name, or for all events with Wildcard.
func (b *Bus) On(name string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, entry{id: b.nextID, name: name, fn: fn})
	return Subscription{id: b.nextID}
}

// Off removes a handler. Removing twice is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.handlers {
		if e.id == sub.id {
			next := make([]entry, 0, len(b.handlers)-1)
			next = append(next, b.handlers[:i]...)
			next = append(next, b.handlers[i+1:]...)
			b.handlers = next
			return
		}
	}
}

// Emit delivers e to every matching handler. The handler list is
// snapshotted so handlers may call On or Off.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	list := b.handlers
	b.mu.RUnlock()

	name := e.Name()
	for _, h := range list {
		if h.name == name || h.name == Wildcard {
			b.dispatch(h, e)
		}
	}
}

// HandlerCount returns the number of handlers registered for name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, h := range b.handlers {
		if h.name == name {
			n++
		}
	}
	return n
}

func (b *Bus) dispatch(h entry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("event handler panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"event": e.Name(),
			})
		}
	}()
	h.fn(e)
}
