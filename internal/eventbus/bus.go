// Package eventbus decouples the command dispatchers from observers such as
// the journal recorder: dispatchers publish what happened, subscribers
// consume at their own pace.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a coordinator-side occurrence.
type Kind string

const (
	KindRegistered   Kind = "registered"
	KindDeregistered Kind = "deregistered"
	KindDisconnected Kind = "disconnected"
	KindReconnected  Kind = "reconnected"
	KindMulticast    Kind = "multicast"
	KindReplayed     Kind = "replayed"
	KindExpired      Kind = "expired"
	KindMessage      Kind = "message" // participant side: push frame received
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers receive on buffered channels.
//   - Slow subscribers drop events (bounded backpressure); Dropped counts them.
type Event struct {
	ID            string
	Kind          Kind
	Time          time.Time
	ParticipantID int32
	Detail        string
	Count         int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
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
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
