// Package engine defines the contract of the fast-path I/O engine the
// multiplexer runs over. The engine is proactive: accept, push and pop are
// submitted up front and return queue tokens; each submission yields exactly
// one completion, claimed through Wait or WaitAny, carrying the typed result
// (accepted endpoint, push acknowledgement, popped buffer, or a failure with
// its errno).
package engine

import (
	"time"

	"golang.org/x/sys/unix"
)

// QD names an engine queue descriptor (an engine-level socket).
type QD uint32

// QToken identifies one submitted operation. It is returned at submission
// time and consumed at completion time.
type QToken uint64

// Opcode tags the completion carried by a Result.
type Opcode int

const (
	OpInvalid Opcode = iota
	OpPush
	OpPop
	OpAccept
	OpConnect
	OpClose
	OpFailed
)

func (o Opcode) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpPop:
		return "pop"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpClose:
		return "close"
	case OpFailed:
		return "failed"
	}
	return "invalid"
}

// AcceptResult carries the endpoint produced by a completed accept.
type AcceptResult struct {
	QD   QD
	Addr unix.SockaddrInet4
}

// Result is one completion. QD and Token identify the submission; Op selects
// which payload field is meaningful. A failed operation carries Op == OpFailed
// and the engine's errno in Errno.
type Result struct {
	QD    QD
	Token QToken
	Op    Opcode

	SGA    *SgArray     // OpPop
	Accept AcceptResult // OpAccept
	Errno  unix.Errno   // OpFailed
}

// Err returns the failure carried by r, or nil for a successful completion.
func (r Result) Err() error {
	if r.Op == OpFailed {
		return r.Errno
	}
	return nil
}

// Engine is the fast-path engine surface the library builds on.
//
// Submission calls (Accept, Push, Pop, Connect) never block; they return a
// token whose completion must be claimed exactly once. Wait and WaitAny
// block up to timeout (negative means forever) and return unix.ETIMEDOUT
// when nothing completed. Buffers passed to Push must stay valid until the
// completion is observed.
type Engine interface {
	// Socket allocates a new queue descriptor.
	Socket() (QD, error)

	// Bind assigns the local address of qd.
	Bind(qd QD, addr *unix.SockaddrInet4) error

	// Listen marks qd as passive with the given backlog.
	Listen(qd QD, backlog int) error

	// Accept submits an accept on a passive qd.
	Accept(qd QD) (QToken, error)

	// Connect submits a connection attempt from qd to addr.
	Connect(qd QD, addr *unix.SockaddrInet4) (QToken, error)

	// Push submits a transmit of sga on qd.
	Push(qd QD, sga *SgArray) (QToken, error)

	// Pop submits a receive on qd.
	Pop(qd QD) (QToken, error)

	// Close releases qd. In-flight operations on qd produce no further
	// completions; their buffers are the engine's to reclaim.
	Close(qd QD) error

	// Wait claims the completion of tok.
	Wait(tok QToken, timeout time.Duration) (Result, error)

	// WaitAny claims one completion among toks, returning its offset.
	WaitAny(toks []QToken, timeout time.Duration) (int, Result, error)

	// Alloc returns an engine buffer of at least size bytes, possibly split
	// across several segments.
	Alloc(size int) *SgArray
}
