package events

import (
	"sync"

	"rebasenet/core/types"
)

type attributed interface {
	Event() *types.Event
}

// Bus fans emitted events out to subscribers. Sends never block: a
// subscriber whose buffer is full misses the event, so stream consumers size
// their buffers for their read rate.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan *types.Event
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *types.Event)}
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if evt == nil {
		return
	}
	payload, ok := evt.(attributed)
	var out *types.Event
	if ok {
		out = payload.Event()
	} else {
		out = &types.Event{Type: evt.EventType()}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- out:
		default:
		}
	}
}

// Subscribe registers a new consumer and returns its channel plus a cancel
// function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Close under the write lock so no Emit is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}
