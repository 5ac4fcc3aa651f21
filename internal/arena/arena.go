// Package arena implements the fixed-capacity slot pools that back the
// pending table, the observer registry and the client's reply waiters.
//
// An Arena never grows. Every slot is addressed through a Handle that
// carries the slot index and the generation the slot had when it was
// allocated, so a handle to a slot that has since been freed and reused is
// detected instead of aliasing the new occupant.
//
// Arenas are not safe for concurrent use, callers guard them with their own
// mutex.
package arena

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted = errors.New("Pool exhausted, no free slots available")
)

// Handle refers to one slot of an Arena. The zero Handle is never valid.
type Handle struct {
	slot uint16
	gen  uint16
}

// Valid reports whether h was ever returned by Alloc.
func (h Handle) Valid() bool {
	return h.gen != 0
}

// Slot returns the index of the slot h refers to.
func (h Handle) Slot() int {
	return int(h.slot)
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.slot, h.gen)
}

type slot[T any] struct {
	gen   uint16
	used  bool
	value T
}

type Arena[T any] struct {
	slots []slot[T]

	// free is a stack of unused slot indexes
	free []uint16
}

func New[T any](capacity int) *Arena[T] {
	if capacity < 1 {
		capacity = 1
	}

	a := &Arena[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint16, 0, capacity),
	}

	a.Reset()

	return a
}

// Alloc stores v in a free slot. It returns ErrPoolExhausted when every
// slot is in use.
func (a *Arena[T]) Alloc(v T) (Handle, error) {
	if len(a.free) == 0 {
		return Handle{}, ErrPoolExhausted
	}

	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	s := &a.slots[idx]
	s.used = true
	s.value = v

	return Handle{slot: idx, gen: s.gen}, nil
}

// Get returns a pointer to the value stored under h. The pointer is only
// valid until the slot is freed.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	s, ok := a.lookup(h)
	if !ok {
		return nil, false
	}

	return &s.value, true
}

// Free releases the slot referred to by h and returns the value it held.
// Freeing a stale or unknown handle is a no-op.
func (a *Arena[T]) Free(h Handle) (T, bool) {
	var zero T

	s, ok := a.lookup(h)
	if !ok {
		return zero, false
	}

	v := s.value
	s.value = zero
	s.used = false

	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}

	a.free = append(a.free, h.slot)

	return v, true
}

// Each calls fn for every slot in use, in slot order, until fn returns
// false. fn may free the slot it is visiting.
func (a *Arena[T]) Each(fn func(h Handle, v *T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}

		if !fn(Handle{slot: uint16(i), gen: s.gen}, &s.value) {
			return
		}
	}
}

// Find returns the first slot in use for which match returns true.
func (a *Arena[T]) Find(match func(v *T) bool) (Handle, *T, bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used && match(&s.value) {
			return Handle{slot: uint16(i), gen: s.gen}, &s.value, true
		}
	}

	return Handle{}, nil, false
}

func (a *Arena[T]) Len() int {
	return len(a.slots) - len(a.free)
}

func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Reset frees every slot. Outstanding handles become stale.
func (a *Arena[T]) Reset() {
	var zero T

	a.free = a.free[:0]

	// Push in reverse so slot 0 is handed out first
	for i := len(a.slots) - 1; i >= 0; i-- {
		s := &a.slots[i]
		if s.used || s.gen == 0 {
			s.gen++
			if s.gen == 0 {
				s.gen = 1
			}
		}
		s.used = false
		s.value = zero

		a.free = append(a.free, uint16(i))
	}
}

func (a *Arena[T]) lookup(h Handle) (*slot[T], bool) {
	if !h.Valid() || int(h.slot) >= len(a.slots) {
		return nil, false
	}

	s := &a.slots[h.slot]
	if !s.used || s.gen != h.gen {
		return nil, false
	}

	return s, true
}
