// Package member holds the coordinator's group membership state: one Record
// per registered participant, kept in a Registry guarded by a single mutex.
//
// An entry exists for an id if and only if that participant is currently a
// group member (online or disconnected-but-registered). Absence means "never
// registered" or "deregistered".
package member

import "sync"

// Pusher is the coordinator-held outbound connection to one participant's
// listening endpoint. Implemented by push.Channel; an interface here keeps
// membership free of transport concerns and lets tests substitute fakes.
type Pusher interface {
	Deliver(payload string) error
	SendQuit() error
	Close() error
}

// Record describes one group member. ID is immutable once created; IP, Port,
// Online and Push mutate on reconnect/disconnect/deregister. The record
// exclusively owns its push connection.
//
// Records must only be read or mutated while the owning Registry's lock is
// held (via With, ForEach or ForEachOnline), with one exception: delivering
// on a previously captured Push during a pending-queue drain, which the push
// channel serializes internally.
type Record struct {
	ID     int32
	IP     string
	Port   int32
	Online bool
	Push   Pusher
}

// Registry maps participant id to Record under one registry-wide mutex.
// One coarse lock, not per-entry: entries are small, operations are short,
// and multicast needs a single consistent snapshot (see ForEachOnline).
type Registry struct {
	mu      sync.Mutex
	members map[int32]*Record
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[int32]*Record)}
}

// Put inserts or overwrites the record for id.
func (r *Registry) Put(id int32, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[id] = rec
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
}

// Take removes and returns the entry for id. Once removed no other caller
// can reach the record, so the caller assumes sole ownership of it and of
// its push connection.
func (r *Registry) Take(id int32) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	return rec, ok
}

// Swap installs rec for id and returns the displaced record, if any, in one
// critical section, so concurrent fan-outs never observe the id absent in
// the middle of an overwrite. The caller assumes sole ownership of the
// returned record and its push connection.
func (r *Registry) Swap(id int32, rec *Record) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.members[id]
	r.members[id] = rec
	return old, ok
}

// Contains reports whether id is currently a member.
func (r *Registry) Contains(id int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// With runs fn on id's record while the registry lock is held. It returns
// false, without calling fn, when id is not a member. Mutating the record
// inside fn is the only sanctioned way to change membership state.
func (r *Registry) With(id int32, fn func(rec *Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.members[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// ForEach applies fn to every record while the lock is held. Holding the
// lock for the duration is intentional: a multicast fan-out sees one
// consistent membership snapshot, at the cost of serializing registry
// mutation with delivery.
func (r *Registry) ForEach(fn func(rec *Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.members {
		fn(rec)
	}
}

// ForEachOnline applies fn to every online record while the lock is held.
func (r *Registry) ForEachOnline(fn func(rec *Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.members {
		if rec.Online {
			fn(rec)
		}
	}
}

// Len returns the current member count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
