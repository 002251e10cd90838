package zmsg

import (
	"fmt"
	"sync"
)

// DefaultPoolSize is the default number of correlation slots.
const DefaultPoolSize = 4096

type slot struct {
	gen      uint32
	reserved bool
	a        *Action
}

// Registry tracks in-flight actions in a bounded table of correlation slots.
//
// A correlation id is gen<<32 | index: the slot index addresses the table and
// the generation, bumped on every allocation, keeps a late reply for a
// previous occupant from matching the current one.
type Registry struct {
	mu      sync.Mutex
	slots   []slot
	free    []uint32
	pending int
	closed  error
}

// NewRegistry returns a registry with size slots, DefaultPoolSize if size <= 0.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultPoolSize
	}
	r := &Registry{slots: make([]slot, size), free: make([]uint32, size)}
	// lowest index is handed out first
	for i := range r.free {
		r.free[i] = uint32(size - 1 - i)
	}
	return r
}

func splitID(id uint64) (idx, gen uint32) {
	return uint32(id), uint32(id >> 32)
}

// Allocate reserves a free slot and returns its correlation id.
func (r *Registry) Allocate() (id uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		err = newError(KindCancelled, "allocate", r.closed)
		return
	}
	n := len(r.free)
	if n == 0 {
		err = newError(KindCapacity, "allocate", fmt.Errorf("all %d correlation slots in use", len(r.slots)))
		return
	}
	idx := r.free[n-1]
	r.free = r.free[:n-1]

	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.reserved = true
	id = uint64(s.gen)<<32 | uint64(idx)
	return
}

// Register binds a to the slot reserved for id.
func (r *Registry) Register(id uint64, a *Action) error {
	idx, gen := splitID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return newError(KindCancelled, "register", r.closed)
	}
	if int(idx) >= len(r.slots) {
		return fmt.Errorf("zmsg: correlation id %d out of range", id)
	}
	s := &r.slots[idx]
	if !s.reserved || s.gen != gen || s.a != nil {
		return fmt.Errorf("zmsg: correlation id %d not reserved", id)
	}
	s.a = a
	a.id = id
	r.pending++
	return nil
}

// take removes whatever occupies id and returns its slot to the free list.
// Caller holds r.mu.
func (r *Registry) take(id uint64) (a *Action, ok bool) {
	idx, gen := splitID(id)
	if int(idx) >= len(r.slots) {
		return
	}
	s := &r.slots[idx]
	if !s.reserved || s.gen != gen {
		return
	}
	a = s.a
	if a != nil {
		r.pending--
	}
	s.a = nil
	s.reserved = false
	r.free = append(r.free, idx)
	ok = true
	return
}

// Release frees id without resolving its action. It returns the action that
// was registered, if any, so the caller becomes its single resolver.
func (r *Registry) Release(id uint64) (a *Action, ok bool) {
	r.mu.Lock()
	a, ok = r.take(id)
	r.mu.Unlock()
	return
}

// Complete removes the action registered under id and resolves it with reply.
// It reports false when nothing is registered under id.
func (r *Registry) Complete(id uint64, reply *Frame) bool {
	r.mu.Lock()
	a, _ := r.take(id)
	r.mu.Unlock()

	if a == nil {
		return false
	}
	a.resolve(reply, nil)
	return true
}

// Cancel removes the action registered under id and resolves it with err.
// It reports false if the action was already removed by someone else.
func (r *Registry) Cancel(id uint64, err error) bool {
	r.mu.Lock()
	a, _ := r.take(id)
	r.mu.Unlock()

	if a == nil {
		return false
	}
	a.resolve(nil, err)
	return true
}

// CancelAll removes every registered action and resolves each with the same
// Cancelled error wrapping cause. Later allocations fail. It returns the
// number of actions released.
func (r *Registry) CancelAll(cause error) int {
	r.mu.Lock()
	if r.closed == nil {
		r.closed = cause
	}
	var actions []*Action
	for i := range r.slots {
		s := &r.slots[i]
		if s.a != nil {
			actions = append(actions, s.a)
		}
		s.a = nil
		s.reserved = false
	}
	r.free = r.free[:0]
	r.pending = 0
	r.mu.Unlock()

	err := newError(KindCancelled, "transport teardown", cause)
	for _, a := range actions {
		a.resolve(nil, err)
	}
	return len(actions)
}

func (r *Registry) Pending() int {
	r.mu.Lock()
	n := r.pending
	r.mu.Unlock()
	return n
}

func (r *Registry) Size() int {
	return len(r.slots)
}
