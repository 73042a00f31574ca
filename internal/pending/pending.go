// Package pending stores undelivered multicast messages for offline members:
// one FIFO queue per registered participant, guarded by its own mutex,
// distinct from the membership lock.
//
// Lock ordering: whenever a caller needs both the membership lock and this
// store's lock, the membership lock is acquired first. That ordering is
// fixed; this package never calls back into the membership registry.
package pending

import (
	"sync"
	"time"
)

// Message is one queued payload with its enqueue time. Age relative to the
// retention threshold decides delivery or discard at drain time.
type Message struct {
	Payload    string
	EnqueuedAt time.Time
}

// Store maps participant id to its FIFO of pending messages. Queues are
// created and deleted in lockstep with membership registry entries.
type Store struct {
	mu     sync.Mutex
	queues map[int32][]Message
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		queues: make(map[int32][]Message),
		now:    time.Now,
	}
}

// Create installs an empty queue for id, replacing any existing one.
func (s *Store) Create(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = nil
}

// Delete removes id's queue. Deleting an absent queue is a no-op.
func (s *Store) Delete(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, id)
}

// Enqueue appends payload with the current timestamp. If no queue exists for
// id the message is silently dropped: messages are never queued for an
// unregistered participant.
func (s *Store) Enqueue(id int32, payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return false
	}
	s.queues[id] = append(q, Message{Payload: payload, EnqueuedAt: s.now()})
	return true
}

// Len reports the number of messages queued for id.
func (s *Store) Len(id int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[id])
}

// DrainAndDeliver empties id's queue in FIFO order. Each message younger
// than retention is passed to deliver; older ones are discarded. Every entry
// is removed regardless of delivery outcome: this is a drain, not a filter.
// Delivery errors do not stop the drain.
//
// Returns the number of delivered and expired messages.
func (s *Store) DrainAndDeliver(id int32, retention time.Duration, deliver func(payload string) error) (delivered, expired int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return 0, 0
	}
	now := s.now()
	for _, msg := range q {
		if now.Sub(msg.EnqueuedAt) < retention {
			_ = deliver(msg.Payload)
			delivered++
		} else {
			expired++
		}
	}
	s.queues[id] = nil
	return delivered, expired
}

// SweepExpired removes messages already older than retention from every
// queue and reports how many were dropped. Queue timestamps are
// non-decreasing, so expired entries always form a prefix; removing them
// early is invisible to drains, which would discard them anyway.
func (s *Store) SweepExpired(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for id, q := range s.queues {
		cut := 0
		for cut < len(q) && now.Sub(q[cut].EnqueuedAt) >= retention {
			cut++
		}
		if cut > 0 {
			s.queues[id] = append([]Message(nil), q[cut:]...)
			dropped += cut
		}
	}
	return dropped
}
