package dpoll

import (
	"sort"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/handle"
	"github.com/fastpath/dpoll/internal/socket"
)

// item registers one socket with one dpoll: the requested event mask, the
// caller's opaque cookie, and the ready-list membership flag. Identity
// inside an items set is the fast-path descriptor of the socket.
type item struct {
	soc     *socket.Socket
	h       handle.Handle
	events  socket.Events
	data    uint64
	onReady bool
}

// items maps fast-path descriptors to interest items, iterated in
// descriptor order for deterministic sweeps. Membership is strict: a second
// ADD for the same socket is the caller's error.
type items struct {
	m     map[engine.QD]*item
	order []engine.QD
	dirty bool
}

func newItems() *items {
	return &items{m: make(map[engine.QD]*item)}
}

func (s *items) insert(it *item) error {
	qd := it.soc.QD()
	if _, dup := s.m[qd]; dup {
		return unix.EEXIST
	}
	s.m[qd] = it
	s.dirty = true
	return nil
}

func (s *items) get(qd engine.QD) *item {
	return s.m[qd]
}

func (s *items) remove(qd engine.QD) (*item, bool) {
	it, ok := s.m[qd]
	if !ok {
		return nil, false
	}
	delete(s.m, qd)
	s.dirty = true
	return it, true
}

func (s *items) len() int {
	return len(s.m)
}

// ordered returns the descriptors in ascending order, rebuilding the index
// only after membership changed.
func (s *items) ordered() []engine.QD {
	if s.dirty {
		s.order = s.order[:0]
		for qd := range s.m {
			s.order = append(s.order, qd)
		}
		sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
		s.dirty = false
	}
	return s.order
}
