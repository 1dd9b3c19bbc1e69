package signal

import (
	"sync"
)

// Subscription filters what a subscriber receives. Zero value matches
// everything.
type Subscription struct {
	Type   Type   // "" = any type
	Source string // "" = any source
}

type subscriber struct {
	id     string
	filter Subscription
	ch     chan Signal
}

// Bus is an in-process publish/subscribe hub keyed by signal type (and
// optional source). Publish is non-blocking: slow subscribers drop signals
// rather than stall the pipeline. Taps run synchronously inside Publish and
// never drop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	taps        []func(Signal)
	bufferSize  int
}

// NewBus creates a bus. bufferSize is the per-subscriber channel depth.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish runs every tap, then delivers the signal to every subscriber whose
// filter matches. Taps complete before Publish returns; channel delivery is
// non-blocking and drops for slow subscribers.
func (b *Bus) Publish(s Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, tap := range b.taps {
		tap(s)
	}

	for _, sub := range b.subscribers {
		if sub.filter.Type != "" && sub.filter.Type != s.Type {
			continue
		}
		if sub.filter.Source != "" && sub.filter.Source != s.Source {
			continue
		}
		select {
		case sub.ch <- s:
		default:
			// slow subscriber, drop
		}
	}
}

// Tap registers fn to run synchronously inside every Publish, before the
// channel fan-out. Taps are for consumers that must see every signal, such
// as the audit trail; ordinary subscribers stay on droppable channels.
func (b *Bus) Tap(fn func(Signal)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// Subscribe registers a subscriber and returns its channel. Call Unsubscribe
// with the same id when done.
func (b *Bus) Subscribe(id string, filter Subscription) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Signal, b.bufferSize)
	b.subscribers[id] = &subscriber{id: id, filter: filter, ch: ch}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
