package loopback

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
)

var testAddr = unix.SockaddrInet4{Port: 7000, Addr: [4]byte{127, 0, 0, 1}}

// dial builds a connected (server, client) endpoint pair on e.
func dial(t *testing.T, e *Engine, port int) (srv, cli engine.QD) {
	t.Helper()
	addr := unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}

	l, err := e.Socket()
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := e.Bind(l, &addr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := e.Listen(l, 16); err != nil {
		t.Fatalf("listen: %v", err)
	}

	atok, err := e.Accept(l)
	if err != nil {
		t.Fatalf("accept submit: %v", err)
	}

	cli, err = e.Socket()
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	ctok, err := e.Connect(cli, &addr)
	if err != nil {
		t.Fatalf("connect submit: %v", err)
	}
	if res, err := e.Wait(ctok, time.Second); err != nil {
		t.Fatalf("connect wait: %v", err)
	} else if res.Op != engine.OpConnect {
		t.Fatalf("connect completion op = %s", res.Op)
	}

	ares, err := e.Wait(atok, time.Second)
	if err != nil {
		t.Fatalf("accept wait: %v", err)
	}
	if ares.Op != engine.OpAccept {
		t.Fatalf("accept completion op = %s", ares.Op)
	}
	return ares.Accept.QD, cli
}

func push(t *testing.T, e *Engine, qd engine.QD, data []byte) engine.QToken {
	t.Helper()
	sga := e.Alloc(len(data))
	sga.Fill(data)
	tok, err := e.Push(qd, sga)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	return tok
}

func popBytes(t *testing.T, e *Engine, qd engine.QD) []byte {
	t.Helper()
	tok, err := e.Pop(qd)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	res, err := e.Wait(tok, time.Second)
	if err != nil {
		t.Fatalf("pop wait: %v", err)
	}
	if res.Op != engine.OpPop {
		t.Fatalf("pop completion op = %s", res.Op)
	}
	out := make([]byte, res.SGA.Len())
	engine.NewReader(res.SGA).Copy(out)
	return out
}

func TestConnectAcceptDelivery(t *testing.T) {
	e := New()
	srv, cli := dial(t, e, 7001)
	if srv == cli {
		t.Fatal("server and client endpoints collide")
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	e := New()
	srv, cli := dial(t, e, 7002)

	ptok := push(t, e, cli, []byte("HELLO"))
	if res, err := e.Wait(ptok, time.Second); err != nil || res.Op != engine.OpPush {
		t.Fatalf("push completion: %v / %v", res.Op, err)
	}
	if got := popBytes(t, e, srv); string(got) != "HELLO" {
		t.Errorf("popped %q, want HELLO", got)
	}
}

func TestWaitTimesOut(t *testing.T) {
	e := New()
	srv, _ := dial(t, e, 7003)

	tok, err := e.Pop(srv)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	start := time.Now()
	_, err = e.Wait(tok, 30*time.Millisecond)
	if err != unix.ETIMEDOUT {
		t.Fatalf("err = %v, want ETIMEDOUT", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("wait returned before the timeout elapsed")
	}
}

func TestWaitAnyReturnsMatchingOffset(t *testing.T) {
	e := New()
	srv, cli := dial(t, e, 7004)

	rtok, err := e.Pop(srv)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	wtok := push(t, e, cli, []byte("x"))

	// Both tokens outstanding; the push completes immediately, the pop
	// becomes satisfiable because of it. Either may be claimed first.
	i, res, err := e.WaitAny([]engine.QToken{rtok, wtok}, time.Second)
	if err != nil {
		t.Fatalf("wait_any: %v", err)
	}
	toks := []engine.QToken{rtok, wtok}
	if res.Token != toks[i] {
		t.Errorf("offset %d does not match token %d", i, res.Token)
	}
}

func TestPushBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecvCapacity = 1024
	e := NewWithConfig(cfg)
	srv, cli := dial(t, e, 7005)

	big := make([]byte, 8*1024)
	ptok := push(t, e, cli, big)

	// Over the watermark: the completion is withheld.
	if _, err := e.Wait(ptok, 20*time.Millisecond); err != unix.ETIMEDOUT {
		t.Fatalf("push completed despite full peer queue: %v", err)
	}

	// Draining the peer releases it.
	if got := popBytes(t, e, srv); len(got) != len(big) {
		t.Fatalf("popped %d bytes, want %d", len(got), len(big))
	}
	if res, err := e.Wait(ptok, time.Second); err != nil || res.Op != engine.OpPush {
		t.Fatalf("push completion after drain: %v / %v", res.Op, err)
	}
}

func TestCloseDeliversEOF(t *testing.T) {
	e := New()
	srv, cli := dial(t, e, 7006)

	if err := e.Close(cli); err != nil {
		t.Fatalf("close: %v", err)
	}
	tok, err := e.Pop(srv)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	res, err := e.Wait(tok, time.Second)
	if err != nil {
		t.Fatalf("pop wait: %v", err)
	}
	if res.Op != engine.OpPop || res.SGA.Len() != 0 {
		t.Errorf("EOF pop: op=%s len=%d, want empty pop", res.Op, res.SGA.Len())
	}
}

func TestPushToClosedPeerFails(t *testing.T) {
	e := New()
	srv, cli := dial(t, e, 7007)

	if err := e.Close(srv); err != nil {
		t.Fatalf("close: %v", err)
	}
	tok := push(t, e, cli, []byte("x"))
	res, err := e.Wait(tok, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Op != engine.OpFailed || res.Errno != unix.EPIPE {
		t.Errorf("push to closed peer: op=%s errno=%v, want failed/EPIPE", res.Op, res.Errno)
	}
}

func TestClosedEndpointProducesNoCompletions(t *testing.T) {
	e := New()
	srv, _ := dial(t, e, 7008)

	tok, err := e.Pop(srv)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := e.Close(srv); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.Wait(tok, 20*time.Millisecond); err != unix.ETIMEDOUT {
		t.Errorf("pending op on closed endpoint completed: %v", err)
	}
}

func TestBindConflicts(t *testing.T) {
	e := New()
	a, _ := e.Socket()
	b, _ := e.Socket()

	if err := e.Bind(a, &testAddr); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := e.Bind(b, &testAddr); err != unix.EADDRINUSE {
		t.Errorf("second bind = %v, want EADDRINUSE", err)
	}
}

func TestConnectRefusedWithoutListener(t *testing.T) {
	e := New()
	cli, _ := e.Socket()
	tok, err := e.Connect(cli, &unix.SockaddrInet4{Port: 9999, Addr: [4]byte{127, 0, 0, 1}})
	if err != nil {
		t.Fatalf("connect submit: %v", err)
	}
	res, err := e.Wait(tok, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Op != engine.OpFailed || res.Errno != unix.ECONNREFUSED {
		t.Errorf("op=%s errno=%v, want failed/ECONNREFUSED", res.Op, res.Errno)
	}
}

func TestAllocSegmentsBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SegmentSize = 16
	e := NewWithConfig(cfg)

	sga := e.Alloc(40)
	if sga.Len() != 40 {
		t.Errorf("Len() = %d, want 40", sga.Len())
	}
	if len(sga.Segs) != 3 {
		t.Errorf("segments = %d, want 3", len(sga.Segs))
	}
}

func TestPopSubmissionErrors(t *testing.T) {
	e := New()
	l, _ := e.Socket()
	if err := e.Bind(l, &unix.SockaddrInet4{Port: 7009, Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := e.Listen(l, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := e.Pop(l); err != unix.EINVAL {
		t.Errorf("pop on listener = %v, want EINVAL", err)
	}

	unconnected, _ := e.Socket()
	if _, err := e.Pop(unconnected); err != unix.ENOTCONN {
		t.Errorf("pop unconnected = %v, want ENOTCONN", err)
	}
}
