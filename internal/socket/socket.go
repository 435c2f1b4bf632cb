// Package socket implements the socket object of the multiplexing layer: a
// fast-path engine endpoint dressed up with synchronous-looking, strictly
// non-blocking POSIX operations. A socket's role is fixed by its first
// non-trivial operation — bind forces passive (one accept operation),
// construction from an accept result forces active (one read and one write
// operation) — and every operation inconsistent with the role fails with
// EINVAL.
package socket

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/op"
	"github.com/fastpath/dpoll/internal/trace"
)

// Role is the socket's mode: passive sockets accept, active sockets read
// and write.
type Role int

const (
	Passive Role = iota
	Active
)

func (r Role) String() string {
	if r == Active {
		return "active"
	}
	return "passive"
}

// Socket owns a fast-path endpoint plus the operation state machines of its
// role. All methods are non-blocking; EAGAIN replaces the usual blocking
// wait.
type Socket struct {
	eng  engine.Engine
	qd   engine.QD
	addr *unix.SockaddrInet4
	open bool
	role Role

	accept op.Op[engine.AcceptResult]
	write  op.Op[struct{}]
	read   op.Op[*engine.Reader]
}

// New allocates a fresh engine endpoint. New sockets start passive; an
// accept result is the only way to obtain an active one.
func New(eng engine.Engine) (*Socket, error) {
	qd, err := eng.Socket()
	if err != nil {
		return nil, err
	}
	return &Socket{eng: eng, qd: qd, open: true, role: Passive}, nil
}

// newAccepted wraps an accept result into an active socket. The recorded
// address is the peer's, mirroring what accept reports to the caller.
func newAccepted(eng engine.Engine, ar engine.AcceptResult) *Socket {
	addr := ar.Addr
	return &Socket{eng: eng, qd: ar.QD, addr: &addr, open: true, role: Active}
}

// QD returns the engine endpoint backing this socket. It identifies the
// socket inside a dpoll's interest set.
func (s *Socket) QD() engine.QD { return s.qd }

// Open reports whether the socket has not been closed.
func (s *Socket) Open() bool { return s.open }

// Addr returns the address recorded at bind (or the peer address for an
// accepted socket), for getsockname.
func (s *Socket) Addr() *unix.SockaddrInet4 { return s.addr }

// Role returns the socket's role.
func (s *Socket) Role() Role { return s.role }

// Completion decoders. A failed completion carries the engine's errno; an
// opcode that does not match the operation kind violates the engine
// contract.

func decodeAccept(r engine.Result) (engine.AcceptResult, error) {
	switch r.Op {
	case engine.OpAccept:
		return r.Accept, nil
	case engine.OpFailed:
		return engine.AcceptResult{}, r.Errno
	}
	panic(fmt.Sprintf("socket: %s completion delivered to an accept", r.Op))
}

func decodePush(r engine.Result) (struct{}, error) {
	switch r.Op {
	case engine.OpPush:
		return struct{}{}, nil
	case engine.OpFailed:
		return struct{}{}, r.Errno
	}
	panic(fmt.Sprintf("socket: %s completion delivered to a push", r.Op))
}

func decodePop(r engine.Result) (*engine.Reader, error) {
	switch r.Op {
	case engine.OpPop:
		return engine.NewReader(r.SGA), nil
	case engine.OpFailed:
		return nil, r.Errno
	}
	panic(fmt.Sprintf("socket: %s completion delivered to a pop", r.Op))
}

// Bind assigns the local address, pins it for getsockname and forces the
// passive role. Rebinding re-arms the role unconditionally.
func (s *Socket) Bind(addr *unix.SockaddrInet4) error {
	if err := s.eng.Bind(s.qd, addr); err != nil {
		return err
	}
	s.role = Passive
	s.accept = op.Op[engine.AcceptResult]{}
	a := *addr
	s.addr = &a
	return nil
}

// Listen marks the socket as accepting with the given backlog.
func (s *Socket) Listen(backlog int) error {
	if s.role != Passive {
		return unix.EINVAL
	}
	return s.eng.Listen(s.qd, backlog)
}

// Accept returns the next established connection as a new active socket, or
// EAGAIN while none is deliverable. The first call schedules the engine
// accept; completions arrive through pwait or a later call's poll.
func (s *Socket) Accept() (*Socket, error) {
	if s.role != Passive {
		return nil, unix.EINVAL
	}
	ar, ok, err := s.accept.GetOrSchedule(s.eng, decodeAccept, func() (engine.QToken, *engine.SgArray, error) {
		tok, err := s.eng.Accept(s.qd)
		return tok, nil, err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, unix.EAGAIN
	}
	ns := newAccepted(s.eng, ar)
	trace.Debugf("socket", "qd=%d accepted qd=%d", s.qd, ns.qd)
	return ns, nil
}

// Write queues p for transmission and returns the number of bytes queued.
// EAGAIN signals back-pressure: the previous push has not completed.
func (s *Socket) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.writeImpl(func() *engine.SgArray {
		sga := s.eng.Alloc(len(p))
		sga.Fill(p)
		return sga
	})
}

// Writev gathers vecs into one transmission.
func (s *Socket) Writev(vecs [][]byte) (int, error) {
	total := 0
	for _, v := range vecs {
		total += len(v)
	}
	if total == 0 || (len(vecs) > 0 && len(vecs[0]) == 0) {
		return 0, nil
	}
	return s.writeImpl(func() *engine.SgArray {
		sga := s.eng.Alloc(total)
		sga.FillVecs(vecs)
		return sga
	})
}

func (s *Socket) writeImpl(mk func() *engine.SgArray) (int, error) {
	if s.role != Active {
		return 0, unix.EINVAL
	}

	// Drain the previous push first; at most one is in flight.
	if !s.write.IsIdle() {
		if !s.write.Poll(s.eng, decodePush) {
			return 0, unix.EAGAIN
		}
		if _, err := s.write.Take(); err != nil {
			return 0, err
		}
	}

	// The buffer stays inside the Running state until the push completion
	// is observed; the engine's memory must not be recycled under it.
	sga := mk()
	n := sga.Len()
	tok, err := s.eng.Push(s.qd, sga)
	if err != nil {
		return 0, err
	}
	s.write.Start(tok, sga)
	trace.Tracef("socket", "qd=%d queued %d bytes", s.qd, n)
	return n, nil
}

// Read copies received bytes into p and returns the count delivered. EAGAIN
// signals that no pop has completed yet; the call itself keeps a pop
// scheduled.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.readImpl(func(r *engine.Reader) int { return r.Copy(p) })
}

// Readv scatters received bytes across vecs.
func (s *Socket) Readv(vecs [][]byte) (int, error) {
	total := 0
	for _, v := range vecs {
		total += len(v)
	}
	if total == 0 || (len(vecs) > 0 && len(vecs[0]) == 0) {
		return 0, nil
	}
	return s.readImpl(func(r *engine.Reader) int { return r.CopyVecs(vecs) })
}

func (s *Socket) readImpl(cp func(*engine.Reader) int) (int, error) {
	if s.role != Active {
		return 0, unix.EINVAL
	}

	switch {
	case s.read.IsIdle():
		tok, err := s.eng.Pop(s.qd)
		if err != nil {
			return 0, err
		}
		s.read.Start(tok, nil)
		return 0, unix.EAGAIN
	case s.read.IsRunning():
		if !s.read.Poll(s.eng, decodePop) {
			return 0, unix.EAGAIN
		}
	}

	rd, err := s.read.Peek()
	if err != nil {
		s.read.Take()
		return 0, err
	}

	n := cp(rd)

	// Once the cursor is exhausted, release the buffer and submit the next
	// pop right away so readiness reappears as soon as more data lands. A
	// failed resubmission surfaces on the next read instead of eating n.
	if rd.Empty() {
		s.read.Take()
		if tok, err := s.eng.Pop(s.qd); err == nil {
			s.read.Start(tok, nil)
		} else {
			trace.Debugf("socket", "qd=%d pop resubmit failed: %v", s.qd, err)
		}
	}
	trace.Tracef("socket", "qd=%d read %d bytes", s.qd, n)
	return n, nil
}

// Close releases the engine endpoint without waiting for in-flight
// operations to settle. A dpoll holding this socket evicts it on its next
// sweep.
func (s *Socket) Close() error {
	if !s.open {
		panic("socket: double close")
	}
	s.open = false
	return s.eng.Close(s.qd)
}

// AvailableEvents projects the socket's deliverable readiness onto mask:
// passive sockets report In once the accept completed; active sockets
// report Out whenever no push is running and In once a pop completed.
func (s *Socket) AvailableEvents(mask Events) Events {
	var ready Events
	if s.role == Passive {
		if s.accept.IsDone() {
			ready = In
		}
	} else {
		if !s.write.IsRunning() {
			ready |= Out
		}
		if s.read.IsDone() {
			ready |= In
		}
	}
	return ready & mask
}

// ScheduleEvents ensures an accept or pop is in flight when In is requested
// and appends the corresponding tokens to toks, so one wait_any covers all
// outstanding work. Pending writes are always included, whether or not Out
// was requested; no push is ever submitted here. Requesting In while its
// operation has already completed, or Out while no push is running, is an
// invariant violation and panics.
func (s *Socket) ScheduleEvents(mask Events, toks *[]engine.QToken) error {
	if s.role == Passive {
		if !mask.Intersects(In) {
			return nil
		}
		switch {
		case s.accept.IsIdle():
			tok, err := s.eng.Accept(s.qd)
			if err != nil {
				return err
			}
			s.accept.Start(tok, nil)
			*toks = append(*toks, tok)
		case s.accept.IsRunning():
			*toks = append(*toks, s.accept.Token())
		default:
			panic("socket: completed accept scheduled for In")
		}
		return nil
	}

	if mask.Intersects(In) {
		switch {
		case s.read.IsIdle():
			tok, err := s.eng.Pop(s.qd)
			if err != nil {
				return err
			}
			s.read.Start(tok, nil)
			*toks = append(*toks, tok)
		case s.read.IsRunning():
			*toks = append(*toks, s.read.Token())
		default:
			panic("socket: completed pop scheduled for In")
		}
	}

	if s.write.IsRunning() {
		*toks = append(*toks, s.write.Token())
	} else if mask.Intersects(Out) {
		panic("socket: Out requested with no push in flight")
	}
	return nil
}

// ProcessEvent delivers a completion claimed by the dpoll's wait to the
// operation that owes it, matched by token.
func (s *Socket) ProcessEvent(res engine.Result) {
	trace.Tracef("socket", "qd=%d completion tok=%d op=%s", s.qd, res.Token, res.Op)
	switch {
	case s.role == Passive && s.accept.IsRunning() && s.accept.Token() == res.Token:
		s.accept.CompleteResult(res, decodeAccept)
	case s.role == Active && s.read.IsRunning() && s.read.Token() == res.Token:
		s.read.CompleteResult(res, decodePop)
	case s.role == Active && s.write.IsRunning() && s.write.Token() == res.Token:
		s.write.CompleteResult(res, decodePush)
	default:
		panic(fmt.Sprintf("socket: qd=%d has no operation owing token %d", s.qd, res.Token))
	}
}
