package handle

import "fmt"

// entry is either occupied (holding an item at some generation) or free
// (holding the generation of its last occupant plus the next free slot).
type entry[T any] struct {
	gen      Generation
	occupied bool
	item     T
	nextFree int
}

// Slab is a growable slot table issuing generational handles of a fixed
// kind. Allocation prefers the free list and appends otherwise. Lookups
// require generation equality; a mismatch means the handle outlived its
// item and is reported as missing, never aliased.
//
// Stale frees and kind confusion are invariant violations and panic.
type Slab[T any] struct {
	kind     Kind
	entries  []entry[T]
	nextFree int
	count    int
}

// NewSlab returns an empty slab issuing handles of the given kind.
func NewSlab[T any](kind Kind) *Slab[T] {
	return &Slab[T]{kind: kind, nextFree: -1}
}

// Alloc stores item and returns its handle.
func (s *Slab[T]) Alloc(item T) Handle {
	var idx int
	if s.nextFree >= 0 {
		idx = s.nextFree
		e := &s.entries[idx]
		if e.occupied {
			panic("handle: occupied entry on the free list")
		}
		s.nextFree = e.nextFree
		e.occupied = true
		e.item = item
	} else {
		idx = len(s.entries)
		s.entries = append(s.entries, entry[T]{occupied: true, item: item})
	}
	s.count++
	return New(uint32(idx), s.entries[idx].gen, s.kind)
}

// lookup resolves h to its entry, or nil when h is stale, free, or of the
// wrong kind.
func (s *Slab[T]) lookup(h Handle) *entry[T] {
	if h.Kind() != s.kind {
		return nil
	}
	idx := int(h.Index())
	if idx >= len(s.entries) {
		return nil
	}
	e := &s.entries[idx]
	if !e.occupied || e.gen != h.Generation() {
		return nil
	}
	return e
}

// Get returns the item addressed by h, or ok=false when no such item exists.
func (s *Slab[T]) Get(h Handle) (item T, ok bool) {
	e := s.lookup(h)
	if e == nil {
		var zero T
		return zero, false
	}
	return e.item, true
}

// Take removes and returns the item addressed by h, bumping the slot's
// generation. Taking a stale or wrong-kind handle is a programmer error.
func (s *Slab[T]) Take(h Handle) T {
	if h.Kind() != s.kind {
		panic(fmt.Sprintf("handle: %v given to the %v slab", h, s.kind))
	}
	e := s.lookup(h)
	if e == nil {
		panic(fmt.Sprintf("handle: double free or use after free of %v", h))
	}
	item := e.item
	var zero T
	e.item = zero
	e.occupied = false
	e.gen = e.gen.Next()
	e.nextFree = s.nextFree
	s.nextFree = int(h.Index())
	s.count--
	return item
}

// Free removes the item addressed by h, discarding it.
func (s *Slab[T]) Free(h Handle) {
	s.Take(h)
}

// Len returns the number of occupied slots.
func (s *Slab[T]) Len() int {
	return s.count
}
