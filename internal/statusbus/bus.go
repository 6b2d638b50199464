// Package statusbus implements an in-process, synchronous publish/subscribe
// bus: subscribers fire on the publishing goroutine, after an entity's
// status field has been mutated. Publish is not tied to a transaction:
// some publishers call it before their Store write and most call it after
// that write has committed, so a handler cannot count on its own writes
// committing together with the status change.
// Delivery is best-effort in-order per entity; there is no durability
// beyond what the Store itself persists.
package statusbus

import (
	"sync"

	"github.com/google/uuid"
)

// Kind identifies which entity table a status transition belongs to.
type Kind string

const (
	KindTask      Kind = "task"
	KindStage     Kind = "stage"
	KindExecution Kind = "execution"
)

// Event is one status transition, published after the in-memory mutation.
type Event struct {
	Kind     Kind
	EntityID uuid.UUID
	Status   string
}

// Handler observes a published Event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a mutex-guarded fan-out keyed by entity kind, scoped to the
// engine's three entity kinds instead of a generic message envelope.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Kind][]Handler
	relay       Relay
}

// Relay is an optional secondary fan-out (e.g. Redis) for external observers.
// It never gates or blocks the in-process contract — a Relay handles and
// logs its own failures, which are never surfaced to Publish's callers.
type Relay interface {
	Publish(Event)
}

func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]Handler)}
}

// NewWithRelay wires an additional best-effort relay (e.g. Redis) alongside
// the in-process fan-out, for observers outside this process.
func NewWithRelay(relay Relay) *Bus {
	b := New()
	b.relay = relay
	return b
}

// Subscribe registers h to be called for every future Publish of kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], h)
}

// Publish fans e out synchronously, in subscription order, to every handler
// registered for e.Kind, then to the optional relay.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subscribers[e.Kind]...)
	relay := b.relay
	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
	if relay != nil {
		relay.Publish(e)
	}
}
