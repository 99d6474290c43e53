package inproc

import (
	"sync"

	"junoloop/internal/domain"
)

// Bus fans cycle events out to named subscribers. Publishing never blocks:
// a subscriber with a full queue misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(name string) <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[name]; ok {
		return ch
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[name]
	if !ok {
		return
	}
	delete(b.subs, name)
	close(ch)
}

func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
