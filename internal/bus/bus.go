package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is the in-process spine of the daemon. Components never call each
// other directly; they publish dot-namespaced events and subscribe to the
// namespaces or kinds they care about. Delivery is non-blocking: a
// subscriber that stops draining loses events instead of stalling the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]subscriber
}

// subscriber filters within its namespace. An empty kind takes every
// event of the namespace; otherwise only exact kind matches deliver.
type subscriber struct {
	kind string
	ch   chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]subscriber)}
}

// namespaceOf returns the segment of kind before the first dot.
func namespaceOf(kind string) string {
	if i := strings.IndexByte(kind, '.'); i >= 0 {
		return kind[:i]
	}
	return kind
}

// Publish delivers evt to every matching subscriber of its namespace.
func (b *Bus) Publish(evt Event) {
	ns := namespaceOf(evt.Kind)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[ns] {
		if s.kind != "" && s.kind != evt.Kind {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Subscriber full, drop.
		}
	}
}

// Emit publishes kind and payload stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers for either a bare namespace ("push", a trailing dot
// is tolerated) receiving every kind under it, or a full kind
// ("message.send_ack") receiving just that kind. bufSize bounds how far
// the subscriber may lag before events are dropped. The returned function
// unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(pattern string, bufSize int) (<-chan Event, func()) {
	pattern = strings.TrimSuffix(pattern, ".")
	ns := namespaceOf(pattern)
	kind := ""
	if pattern != ns {
		kind = pattern
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[ns] == nil {
		b.subs[ns] = make(map[uint64]subscriber)
	}
	b.subs[ns][id] = subscriber{kind: kind, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs[ns], id)
		b.mu.Unlock()
	}
}
