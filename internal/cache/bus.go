package cache

import (
	"sync"

	"github.com/alexjbarnes/timesync/internal/tables"
)

// Change is published whenever an entry is written or removed.
type Change struct {
	Ref     tables.EntityRef
	Entry   Entry
	Removed bool
}

// Bus fans entry changes out to in-process subscribers keyed by entity.
// Each subscriber channel holds one value; a newer change replaces an
// undelivered older one, so slow consumers always see the latest state.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Change
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Change)}
}

// Subscribe returns a channel receiving changes to ref and a function that
// cancels the subscription and closes the channel.
func (b *Bus) Subscribe(ref tables.EntityRef) (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := ref.String()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Change)
	}

	id := b.next
	b.next++

	ch := make(chan Change, 1)
	b.subs[topic][id] = ch

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs[topic], id)

			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}

			close(ch)
		})
	}

	return ch, cancel
}

func (b *Bus) publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[c.Ref.String()] {
		// Drop the undelivered value, if any, then deliver the latest.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- c:
		default:
		}
	}
}
