// Package loopback implements the engine contract entirely in process.
// Endpoints are paired through an in-memory connection table; push moves
// segments to the peer's receive queue by reference, so a transfer never
// copies. Completion semantics are proactive, matching a kernel-bypass
// engine: submissions return tokens, and Wait/WaitAny claim completions as
// operations become satisfiable.
//
// Push exerts back-pressure: its completion is withheld while the peer's
// receive queue sits above the configured capacity, so a large transmit
// leaves the submitting side blocked on OUT until the reader drains.
package loopback

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/trace"
)

// Config holds the tunables of a loopback engine.
type Config struct {
	// SegmentSize is the size of each segment handed out by Alloc.
	SegmentSize int
	// RecvCapacity is the per-endpoint receive queue watermark in bytes.
	// A push completes only once the receiving queue is at or below it.
	RecvCapacity int
}

// DefaultConfig returns the tunables used by New.
func DefaultConfig() Config {
	return Config{
		SegmentSize:  2048,
		RecvCapacity: 64 * 1024,
	}
}

type addrKey struct {
	ip   [4]byte
	port int
}

// endpoint is one engine-level socket.
type endpoint struct {
	qd   engine.QD
	addr *unix.SockaddrInet4

	listening  bool
	backlogCap int
	backlog    []engine.QD // accepted-but-unclaimed peer endpoints

	hasPeer  bool
	peer     engine.QD
	peerAddr unix.SockaddrInet4

	recvq     [][]byte
	recvBytes int

	closed     bool
	peerClosed bool
}

// pendingOp is a submitted operation whose completion has not yet been
// produced.
type pendingOp struct {
	tok  engine.QToken
	qd   engine.QD
	op   engine.Opcode
	sga  *engine.SgArray // push payload, held until completion
	peer engine.QD       // push destination
}

// Engine is an in-process fast-path engine. All methods are goroutine-safe.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	nextQD    engine.QD
	nextTok   engine.QToken
	nextPort  int
	eps       map[engine.QD]*endpoint
	bound     map[addrKey]engine.QD
	pending   map[engine.QToken]*pendingOp
	done      map[engine.QToken]engine.Result
	wake      chan struct{}
}

// New returns a loopback engine with the default configuration.
func New() *Engine {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig returns a loopback engine with the given tunables.
func NewWithConfig(cfg Config) *Engine {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultConfig().SegmentSize
	}
	if cfg.RecvCapacity <= 0 {
		cfg.RecvCapacity = DefaultConfig().RecvCapacity
	}
	return &Engine{
		cfg:      cfg,
		nextQD:   1,
		nextTok:  1,
		nextPort: 40000,
		eps:      make(map[engine.QD]*endpoint),
		bound:    make(map[addrKey]engine.QD),
		pending:  make(map[engine.QToken]*pendingOp),
		done:     make(map[engine.QToken]engine.Result),
		wake:     make(chan struct{}),
	}
}

func keyOf(addr *unix.SockaddrInet4) addrKey {
	return addrKey{ip: addr.Addr, port: addr.Port}
}

// broadcastLocked wakes every waiter so it can rescan the done table.
func (e *Engine) broadcastLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

func (e *Engine) getLocked(qd engine.QD) (*endpoint, error) {
	ep, ok := e.eps[qd]
	if !ok || ep.closed {
		return nil, unix.EBADF
	}
	return ep, nil
}

// Socket allocates a new queue descriptor.
func (e *Engine) Socket() (engine.QD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	qd := e.nextQD
	e.nextQD++
	e.eps[qd] = &endpoint{qd: qd}
	return qd, nil
}

// Bind assigns the local address of qd. Rebinding moves the registration.
func (e *Engine) Bind(qd engine.QD, addr *unix.SockaddrInet4) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.getLocked(qd)
	if err != nil {
		return err
	}
	key := keyOf(addr)
	if owner, taken := e.bound[key]; taken && owner != qd {
		return unix.EADDRINUSE
	}
	if ep.addr != nil {
		delete(e.bound, keyOf(ep.addr))
	}
	a := *addr
	ep.addr = &a
	e.bound[key] = qd
	return nil
}

// Listen marks qd passive with the given backlog.
func (e *Engine) Listen(qd engine.QD, backlog int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.getLocked(qd)
	if err != nil {
		return err
	}
	if ep.addr == nil {
		return unix.EDESTADDRREQ
	}
	if backlog < 1 {
		backlog = 1
	}
	ep.listening = true
	ep.backlogCap = backlog
	return nil
}

func (e *Engine) submitLocked(qd engine.QD, op engine.Opcode, sga *engine.SgArray, peer engine.QD) engine.QToken {
	tok := e.nextTok
	e.nextTok++
	e.pending[tok] = &pendingOp{tok: tok, qd: qd, op: op, sga: sga, peer: peer}
	return tok
}

// Accept submits an accept on a passive qd.
func (e *Engine) Accept(qd engine.QD) (engine.QToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.getLocked(qd)
	if err != nil {
		return 0, err
	}
	if !ep.listening {
		return 0, unix.EINVAL
	}
	tok := e.submitLocked(qd, engine.OpAccept, nil, 0)
	e.satisfyLocked()
	return tok, nil
}

// Connect submits a connection attempt from qd to addr. The connection is
// established immediately when a listener with backlog room exists; the
// server-side endpoint sits in the listener's backlog until accepted.
func (e *Engine) Connect(qd engine.QD, addr *unix.SockaddrInet4) (engine.QToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.getLocked(qd)
	if err != nil {
		return 0, err
	}
	if ep.hasPeer || ep.listening {
		return 0, unix.EISCONN
	}

	tok := e.nextTok
	e.nextTok++

	lst, ok := e.eps[e.bound[keyOf(addr)]]
	if !ok || !lst.listening || lst.closed {
		e.done[tok] = engine.Result{QD: qd, Token: tok, Op: engine.OpFailed, Errno: unix.ECONNREFUSED}
		e.broadcastLocked()
		return tok, nil
	}
	if len(lst.backlog) >= lst.backlogCap {
		e.done[tok] = engine.Result{QD: qd, Token: tok, Op: engine.OpFailed, Errno: unix.ECONNREFUSED}
		e.broadcastLocked()
		return tok, nil
	}

	if ep.addr == nil {
		a := unix.SockaddrInet4{Port: e.nextPort, Addr: [4]byte{127, 0, 0, 1}}
		e.nextPort++
		ep.addr = &a
		e.bound[keyOf(&a)] = qd
	}

	// Server-side endpoint, paired with the connector.
	srv := &endpoint{qd: e.nextQD, addr: lst.addr, hasPeer: true, peer: qd, peerAddr: *ep.addr}
	e.nextQD++
	e.eps[srv.qd] = srv
	ep.hasPeer = true
	ep.peer = srv.qd
	ep.peerAddr = *lst.addr
	lst.backlog = append(lst.backlog, srv.qd)

	e.done[tok] = engine.Result{QD: qd, Token: tok, Op: engine.OpConnect}
	e.satisfyLocked()
	e.broadcastLocked()
	return tok, nil
}

// Push submits a transmit of sga on qd. The segments move to the peer's
// receive queue by reference; the completion is withheld while that queue
// is above the capacity watermark.
func (e *Engine) Push(qd engine.QD, sga *engine.SgArray) (engine.QToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.getLocked(qd)
	if err != nil {
		return 0, err
	}
	if !ep.hasPeer {
		return 0, unix.ENOTCONN
	}

	tok := e.submitLocked(qd, engine.OpPush, sga, ep.peer)
	if peer, ok := e.eps[ep.peer]; ok && !peer.closed {
		for _, seg := range sga.Segs {
			peer.recvq = append(peer.recvq, seg)
			peer.recvBytes += len(seg)
		}
	}
	e.satisfyLocked()
	return tok, nil
}

// Pop submits a receive on qd.
func (e *Engine) Pop(qd engine.QD) (engine.QToken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, err := e.getLocked(qd)
	if err != nil {
		return 0, err
	}
	if ep.listening {
		return 0, unix.EINVAL
	}
	if !ep.hasPeer {
		return 0, unix.ENOTCONN
	}
	tok := e.submitLocked(qd, engine.OpPop, nil, 0)
	e.satisfyLocked()
	return tok, nil
}

// Close releases qd. Pending operations on qd are dropped without producing
// completions; the peer observes end of stream.
func (e *Engine) Close(qd engine.QD) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.eps[qd]
	if !ok || ep.closed {
		return unix.EBADF
	}
	ep.closed = true
	if ep.addr != nil && e.bound[keyOf(ep.addr)] == qd {
		delete(e.bound, keyOf(ep.addr))
	}
	// Connections parked in an unclaimed backlog die with the listener.
	for _, srv := range ep.backlog {
		if s, ok := e.eps[srv]; ok {
			s.closed = true
		}
	}
	ep.backlog = nil
	if ep.hasPeer {
		if peer, ok := e.eps[ep.peer]; ok {
			peer.peerClosed = true
		}
	}
	// Completions nobody will claim anymore go with the endpoint.
	for tok, res := range e.done {
		if res.QD == qd {
			delete(e.done, tok)
		}
	}
	e.satisfyLocked()
	e.broadcastLocked()
	return nil
}

// satisfyLocked produces completions for every pending operation that has
// become satisfiable, and drops operations whose endpoint is gone.
func (e *Engine) satisfyLocked() {
	changed := false
	for tok, p := range e.pending {
		ep, ok := e.eps[p.qd]
		if !ok || ep.closed {
			delete(e.pending, tok)
			continue
		}

		switch p.op {
		case engine.OpAccept:
			if len(ep.backlog) == 0 {
				continue
			}
			srvQD := ep.backlog[0]
			ep.backlog = ep.backlog[1:]
			srv := e.eps[srvQD]
			e.done[tok] = engine.Result{
				QD:    p.qd,
				Token: tok,
				Op:    engine.OpAccept,
				Accept: engine.AcceptResult{
					QD:   srvQD,
					Addr: srv.peerAddr,
				},
			}

		case engine.OpPush:
			peer, ok := e.eps[p.peer]
			if !ok || peer.closed {
				e.done[tok] = engine.Result{QD: p.qd, Token: tok, Op: engine.OpFailed, Errno: unix.EPIPE}
			} else if peer.recvBytes <= e.cfg.RecvCapacity {
				e.done[tok] = engine.Result{QD: p.qd, Token: tok, Op: engine.OpPush}
			} else {
				continue
			}

		case engine.OpPop:
			if len(ep.recvq) > 0 {
				sga := &engine.SgArray{Segs: ep.recvq}
				ep.recvq = nil
				ep.recvBytes = 0
				e.done[tok] = engine.Result{QD: p.qd, Token: tok, Op: engine.OpPop, SGA: sga}
			} else if ep.peerClosed {
				// End of stream reads as an empty buffer.
				e.done[tok] = engine.Result{QD: p.qd, Token: tok, Op: engine.OpPop, SGA: &engine.SgArray{}}
			} else {
				continue
			}

		default:
			continue
		}

		delete(e.pending, tok)
		changed = true
	}
	if changed {
		e.broadcastLocked()
	}
}

// claimLocked hands out the completion of one of toks, if present.
func (e *Engine) claimLocked(toks []engine.QToken) (int, engine.Result, bool) {
	for i, tok := range toks {
		if res, ok := e.done[tok]; ok {
			delete(e.done, tok)
			return i, res, true
		}
	}
	return 0, engine.Result{}, false
}

// WaitAny claims one completion among toks, blocking up to timeout.
// A negative timeout blocks until a completion arrives.
func (e *Engine) WaitAny(toks []engine.QToken, timeout time.Duration) (int, engine.Result, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		e.mu.Lock()
		// Re-evaluate first: the state change that satisfies an op may have
		// happened before this waiter arrived.
		e.satisfyLocked()
		if i, res, ok := e.claimLocked(toks); ok {
			e.mu.Unlock()
			trace.Tracef("loopback", "completion qd=%d tok=%d op=%s", res.QD, res.Token, res.Op)
			return i, res, nil
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return 0, engine.Result{}, unix.ETIMEDOUT
		}
	}
}

// Wait claims the completion of tok, blocking up to timeout.
func (e *Engine) Wait(tok engine.QToken, timeout time.Duration) (engine.Result, error) {
	_, res, err := e.WaitAny([]engine.QToken{tok}, timeout)
	return res, err
}

// Alloc returns a buffer of exactly size bytes split into fixed-size
// segments.
func (e *Engine) Alloc(size int) *engine.SgArray {
	sga := &engine.SgArray{}
	for size > 0 {
		n := size
		if n > e.cfg.SegmentSize {
			n = e.cfg.SegmentSize
		}
		sga.Segs = append(sga.Segs, make([]byte, n))
		size -= n
	}
	return sga
}
