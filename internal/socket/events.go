package socket

import "golang.org/x/sys/unix"

// Events is the readiness mask a socket can report or a dpoll can register
// interest in. The bit values match the kernel's epoll events so masks cross
// the shim boundary unchanged.
type Events uint32

const (
	// In signals deliverable input: a completed accept on a passive socket
	// or a completed pop on an active one.
	In Events = unix.EPOLLIN
	// Out signals writability: no push is in flight.
	Out Events = unix.EPOLLOUT

	// All is every event the library understands.
	All = In | Out
)

// Has reports whether every bit of mask is set in e.
func (e Events) Has(mask Events) bool {
	return e&mask == mask
}

// Intersects reports whether any bit of mask is set in e.
func (e Events) Intersects(mask Events) bool {
	return e&mask != 0
}
