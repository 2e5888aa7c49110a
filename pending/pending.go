// Package pending tracks in-flight invocations and the action that completes
// each one.
//
// Every entry is removed exactly once: by Resolve when the matching response
// arrives, or by Fail/Remove/FailAll when the invocation times out, is
// canceled, could not be sent, or the connection goes away. Actions always run
// after the entry has left the map and never under the registry lock, so an
// action is free to call back into the registry.
package pending

import (
	"errors"
	"fmt"
	"sync"

	"mux-rpc/protocol"
)

var (
	ErrDuplicateInvocation = errors.New("pending: invocation id already pending")
	ErrUnknownInvocation   = errors.New("pending: no pending invocation for id")
	ErrTooManyPending      = errors.New("pending: too many pending invocations")
)

// Action completes one invocation. Exactly one of payload and err is
// meaningful: err is nil when the response arrived.
type Action func(payload []byte, err error)

// Ticket names one registration. Fail and Remove take a Ticket rather than a
// bare ID so that a late timer cannot touch a newer registration that reused
// the same ID.
type Ticket struct {
	ID  protocol.InvocationID
	seq uint64
}

type entry struct {
	action Action
	seq    uint64
}

// Registry maps invocation IDs to their completion actions.
type Registry struct {
	mu      sync.Mutex
	entries map[protocol.InvocationID]entry
	seq     uint64
	limit   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLimit caps the number of outstanding entries. Zero means no cap.
func WithLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.limit = n
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{entries: make(map[protocol.InvocationID]entry)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds an entry for id. A second registration for an id that is still
// pending is rejected; the first waiter keeps its slot.
func (r *Registry) Register(id protocol.InvocationID, action Action) (Ticket, error) {
	if action == nil {
		return Ticket{}, fmt.Errorf("pending: nil action for id %d", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return Ticket{}, fmt.Errorf("%w: %d", ErrDuplicateInvocation, id)
	}
	if r.limit > 0 && len(r.entries) >= r.limit {
		return Ticket{}, fmt.Errorf("%w: limit %d", ErrTooManyPending, r.limit)
	}
	r.seq++
	r.entries[id] = entry{action: action, seq: r.seq}
	return Ticket{ID: id, seq: r.seq}, nil
}

// Resolve removes the entry for id and completes it with payload.
func (r *Registry) Resolve(id protocol.InvocationID, payload []byte) error {
	action, ok := r.take(id, 0)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInvocation, id)
	}
	action(payload, nil)
	return nil
}

// Fail removes the registration t and completes it with err. It reports
// whether t was still pending.
func (r *Registry) Fail(t Ticket, err error) bool {
	if t.seq == 0 {
		return false
	}
	action, ok := r.take(t.ID, t.seq)
	if ok {
		action(nil, err)
	}
	return ok
}

// Remove drops the registration t without running its action.
func (r *Registry) Remove(t Ticket) bool {
	if t.seq == 0 {
		return false
	}
	_, ok := r.take(t.ID, t.seq)
	return ok
}

// FailAll empties the registry and completes every entry with err. It returns
// how many entries were failed.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[protocol.InvocationID]entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.action(nil, err)
	}
	return len(entries)
}

// Count returns the number of outstanding entries.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Has reports whether id is pending.
func (r *Registry) Has(id protocol.InvocationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// take removes the entry for id. A non-zero seq must match the registration;
// zero matches whatever is registered.
func (r *Registry) take(id protocol.InvocationID, seq uint64) (Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || (seq != 0 && e.seq != seq) {
		return nil, false
	}
	delete(r.entries, id)
	return e.action, true
}
