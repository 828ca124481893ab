// Package weakref implements the validity-checkable reference used to pass
// callback targets across scheduler boundaries without owning them. A
// Handle is an index into a generation-tagged slot table: once a slot is
// released its generation is bumped, so a Handle obtained before the
// release resolves to "not found" rather than resolving to whatever later
// reused that slot.
package weakref

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is an opaque, comparable reference to a target registered in a
// Table. The zero Handle is never valid.
type Handle struct {
	table uuid.UUID
	idx   uint32
	gen   uint32
}

type slot struct {
	gen    uint32
	target any
	valid  bool
}

// Table owns a set of slots. Tables are safe for concurrent use.
type Table struct {
	id uuid.UUID

	mu    sync.Mutex
	slots []slot
	free  []uint32
}

// NewTable creates an empty Table. Each table is tagged with a random id so
// that handles minted by one table never compare equal to handles minted by
// another, even if their indices and generations coincide.
func NewTable() *Table {
	return &Table{id: uuid.New()}
}

// Make registers target and returns a Handle for it.
func (t *Table) Make(target any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.target = target
		s.valid = true
		return Handle{table: t.id, idx: idx, gen: s.gen}
	}

	idx := uint32(len(t.slots))
	t.slots = append(t.slots, slot{gen: 0, target: target, valid: true})
	return Handle{table: t.id, idx: idx, gen: 0}
}

// Lookup resolves h to its target. It returns false if h's table doesn't
// match, the slot was released, or the slot has since been reused
// (generation mismatch).
func (t *Table) Lookup(h Handle) (any, bool) {
	if h.table != t.id {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h.idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.idx]
	if !s.valid || s.gen != h.gen {
		return nil, false
	}
	return s.target, true
}

// Release invalidates h. Future lookups of h (or of any handle that was
// minted with the same index, since this call bumps the generation) fail.
// Releasing an already-released or unrecognized handle is a no-op.
func (t *Table) Release(h Handle) {
	if h.table != t.id {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h.idx) >= len(t.slots) {
		return
	}
	s := &t.slots[h.idx]
	if !s.valid || s.gen != h.gen {
		return
	}
	s.valid = false
	s.target = nil
	s.gen++
	t.free = append(t.free, h.idx)
}
