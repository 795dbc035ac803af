package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside castbot.
const (
	TypeConfigReloaded   = "config.reloaded"
	TypeConfigRejected   = "config.rejected"
	TypeEndpointState    = "endpoint.state"
	TypeDispatchFinished = "broadcast.dispatched"

	TypeReportDeduped = "notifier.deduped"
	TypeReportDropped = "notifier.dropped"
	TypeReportSent    = "notifier.sent"
	TypeReportFailed  = "notifier.failed"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock excludes in-progress publishes, so the
			// close below can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
