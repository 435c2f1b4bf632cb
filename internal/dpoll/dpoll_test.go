//go:build linux

package dpoll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/engine/loopback"
	"github.com/fastpath/dpoll/internal/handle"
	"github.com/fastpath/dpoll/internal/socket"
)

func addr4(port int) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
}

func sockHandle(i uint32) handle.Handle {
	return handle.New(i, 0, handle.KindSocket)
}

func newDpoll(t *testing.T, e engine.Engine) *Dpoll {
	t.Helper()
	d, err := Create(e, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newListener(t *testing.T, e *loopback.Engine, port int) *socket.Socket {
	t.Helper()
	l, err := socket.New(e)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := l.Bind(addr4(port)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := l.Listen(16); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

func connect(t *testing.T, e *loopback.Engine, port int) engine.QD {
	t.Helper()
	cli, err := e.Socket()
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	tok, err := e.Connect(cli, addr4(port))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := e.Wait(tok, time.Second)
	if err != nil {
		t.Fatalf("connect wait: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return cli
}

func pushBytes(t *testing.T, e *loopback.Engine, qd engine.QD, data []byte) {
	t.Helper()
	sga := e.Alloc(len(data))
	sga.Fill(data)
	tok, err := e.Push(qd, sga)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := e.Wait(tok, time.Second); err != nil {
		t.Fatalf("push wait: %v", err)
	}
}

func popAll(t *testing.T, e *loopback.Engine, qd engine.QD) []byte {
	t.Helper()
	tok, err := e.Pop(qd)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	res, err := e.Wait(tok, time.Second)
	if err != nil {
		t.Fatalf("pop wait: %v", err)
	}
	out := make([]byte, res.SGA.Len())
	engine.NewReader(res.SGA).Copy(out)
	return out
}

// pwait runs one Pwait with a buffer of cap 16 and returns the delivered
// events. A timeout comes back as an empty slice.
func pwait(t *testing.T, d *Dpoll, timeout time.Duration) []unix.EpollEvent {
	t.Helper()
	events := make([]unix.EpollEvent, 16)
	n, err := d.Pwait(events, timeout, nil)
	if err == unix.ETIMEDOUT {
		return nil
	}
	if err != nil {
		t.Fatalf("pwait: %v", err)
	}
	return events[:n]
}

func findCookie(events []unix.EpollEvent, cookie uint64) *unix.EpollEvent {
	for i := range events {
		if EventData(&events[i]) == cookie {
			return &events[i]
		}
	}
	return nil
}

func TestCtlAddDuplicateFails(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7300)

	if err := d.Add(l, sockHandle(0), socket.In, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Add(l, sockHandle(0), socket.In, 2); err != unix.EEXIST {
		t.Errorf("duplicate add = %v, want EEXIST", err)
	}
}

func TestCtlModAndDelMissingFail(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)

	if err := d.Mod(99, socket.In); err != unix.ENOENT {
		t.Errorf("mod missing = %v, want ENOENT", err)
	}
	if err := d.Del(99); err != unix.ENOENT {
		t.Errorf("del missing = %v, want ENOENT", err)
	}
}

func TestAddDelRestoresPriorState(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7301)

	if err := d.Add(l, sockHandle(0), socket.In, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Del(l.QD()); err != nil {
		t.Fatalf("del: %v", err)
	}
	if d.items.len() != 0 {
		t.Errorf("items after del = %d, want 0", d.items.len())
	}
	// Re-adding succeeds: the set really is back to its pre-ADD state.
	if err := d.Add(l, sockHandle(0), socket.In, 1); err != nil {
		t.Errorf("re-add after del: %v", err)
	}
}

func TestPwaitTimeoutOnEmptySet(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)

	events := make([]unix.EpollEvent, 8)
	start := time.Now()
	n, err := d.Pwait(events, 50*time.Millisecond, nil)
	if err != unix.ETIMEDOUT {
		t.Fatalf("pwait = %d, %v, want ETIMEDOUT", n, err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, want >= 50ms", elapsed)
	}
}

func TestEchoOneConnection(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7302)

	if err := d.Add(l, sockHandle(0), socket.In, 100); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	cli := connect(t, e, 7302)

	// Connection pending: IN on the listener.
	evs := pwait(t, d, time.Second)
	ev := findCookie(evs, 100)
	if ev == nil || ev.Events&unix.EPOLLIN == 0 {
		t.Fatalf("no IN for listener: %v", evs)
	}

	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Add(conn, sockHandle(1), socket.In|socket.Out, 200); err != nil {
		t.Fatalf("add conn: %v", err)
	}

	pushBytes(t, e, cli, []byte("HELLO"))

	// Data pending: IN on the connection.
	evs = pwait(t, d, time.Second)
	ev = findCookie(evs, 200)
	if ev == nil || ev.Events&unix.EPOLLIN == 0 {
		t.Fatalf("no IN for connection: %v", evs)
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || string(buf[:n]) != "HELLO" {
		t.Fatalf("read %q (%d bytes)", buf[:n], n)
	}

	if n, err := conn.Write([]byte("HELLO")); err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if got := popAll(t, e, cli); string(got) != "HELLO" {
		t.Fatalf("client received %q", got)
	}

	// Write completed: OUT on the connection.
	evs = pwait(t, d, time.Second)
	ev = findCookie(evs, 200)
	if ev == nil || ev.Events&unix.EPOLLOUT == 0 {
		t.Fatalf("no OUT after write completion: %v", evs)
	}
}

func TestPartialReadKeepsReportingIn(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7303)
	cli := connect(t, e, 7303)

	// Accept directly: first call schedules, engine settles it, second
	// call consumes.
	if _, err := l.Accept(); err != unix.EAGAIN {
		t.Fatalf("priming accept = %v", err)
	}
	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Add(conn, sockHandle(1), socket.In, 7); err != nil {
		t.Fatalf("add: %v", err)
	}

	pushBytes(t, e, cli, []byte("0123456789"))

	reads := []struct {
		n    int
		want string
	}{{4, "0123"}, {4, "4567"}, {2, "89"}}

	for i, step := range reads {
		evs := pwait(t, d, time.Second)
		if findCookie(evs, 7) == nil {
			t.Fatalf("step %d: IN not reported before read", i)
		}
		buf := make([]byte, step.n)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("step %d read: %v", i, err)
		}
		if string(buf[:n]) != step.want {
			t.Fatalf("step %d read %q, want %q", i, buf[:n], step.want)
		}
	}

	// Fully drained: no IN anymore.
	evs := pwait(t, d, 0)
	if ev := findCookie(evs, 7); ev != nil && ev.Events&unix.EPOLLIN != 0 {
		t.Error("IN still reported after the buffer drained")
	}
}

func TestBackpressuredWrite(t *testing.T) {
	cfg := loopback.DefaultConfig()
	cfg.RecvCapacity = 1024
	e := loopback.NewWithConfig(cfg)
	d := newDpoll(t, e)
	l := newListener(t, e, 7304)
	cli := connect(t, e, 7304)

	if _, err := l.Accept(); err != unix.EAGAIN {
		t.Fatalf("priming accept = %v", err)
	}
	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Add(conn, sockHandle(1), socket.Out, 9); err != nil {
		t.Fatalf("add: %v", err)
	}

	big := make([]byte, 1_000_000)
	if n, err := conn.Write(big); err != nil || n != len(big) {
		t.Fatalf("first write = %d, %v", n, err)
	}
	if _, err := conn.Write([]byte("x")); err != unix.EAGAIN {
		t.Fatalf("second write = %v, want EAGAIN", err)
	}

	// Push incomplete: no OUT.
	if evs := pwait(t, d, 0); findCookie(evs, 9) != nil {
		t.Fatal("OUT reported while the push is stuck")
	}

	// The slow peer finally drains.
	if got := popAll(t, e, cli); len(got) != len(big) {
		t.Fatalf("peer drained %d bytes", len(got))
	}

	evs := pwait(t, d, time.Second)
	ev := findCookie(evs, 9)
	if ev == nil || ev.Events&unix.EPOLLOUT == 0 {
		t.Fatalf("no OUT after drain: %v", evs)
	}
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("write after OUT: %v", err)
	}
}

func TestMixedSetKernelFD(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7305)

	if err := d.Add(l, sockHandle(0), socket.In, 11); err != nil {
		t.Fatalf("add: %v", err)
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	kev := unix.EpollEvent{Events: unix.EPOLLIN}
	SetEventData(&kev, 22)
	if err := d.KernelCtl(unix.EPOLL_CTL_ADD, p[0], &kev); err != nil {
		t.Fatalf("kernel ctl: %v", err)
	}

	if _, err := unix.Write(p[1], []byte("k")); err != nil {
		t.Fatalf("pipe write: %v", err)
	}

	// The engine wait consumes the budget first (the listener has no
	// pending connection), then the kernel epoll delivers the pipe.
	evs := pwait(t, d, 100*time.Millisecond)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(evs))
	}
	if EventData(&evs[0]) != 22 {
		t.Errorf("cookie = %d, want 22 (the kernel fd)", EventData(&evs[0]))
	}
	if evs[0].Events&unix.EPOLLIN == 0 {
		t.Error("kernel event lacks IN")
	}
}

func TestCloseDuringPendingReadEvicts(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7306)
	connect(t, e, 7306)

	if _, err := l.Accept(); err != unix.EAGAIN {
		t.Fatalf("priming accept = %v", err)
	}
	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Add(conn, sockHandle(1), socket.In, 5); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Submit the pop, then close underneath it.
	if _, err := conn.Read(make([]byte, 4)); err != unix.EAGAIN {
		t.Fatalf("read = %v, want EAGAIN", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The sweep evicts the item; the in-flight completion never surfaces.
	if evs := pwait(t, d, 0); findCookie(evs, 5) != nil {
		t.Error("event surfaced for a closed socket")
	}
	if d.items.len() != 0 {
		t.Errorf("items after eviction = %d, want 0", d.items.len())
	}
}

func TestEvictionPullsFromReadyList(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7307)
	connect(t, e, 7307)

	if err := d.Add(l, sockHandle(0), socket.In, 3); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Zero-capacity drain leaves the promoted item on the ready list.
	if _, err := d.Pwait(nil, 0, nil); err != nil && err != unix.ETIMEDOUT {
		t.Fatalf("pwait: %v", err)
	}
	if d.ready.empty() {
		t.Fatal("listener should be parked on the ready list")
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := d.Pwait(nil, 0, nil); err != nil && err != unix.ETIMEDOUT {
		t.Fatalf("pwait: %v", err)
	}
	if !d.ready.empty() || d.items.len() != 0 {
		t.Error("eviction left state behind")
	}
}

func TestLevelTriggeredReadinessPersists(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7308)
	connect(t, e, 7308)

	if err := d.Add(l, sockHandle(0), socket.In, 42); err != nil {
		t.Fatalf("add: %v", err)
	}

	// The caller never accepts; IN must be reported on every pwait.
	for i := 0; i < 3; i++ {
		evs := pwait(t, d, time.Second)
		ev := findCookie(evs, 42)
		if ev == nil || ev.Events&unix.EPOLLIN == 0 {
			t.Fatalf("pwait %d: IN missing: %v", i, evs)
		}
	}
}

func TestConsecutivePwaitsAgree(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7309)

	if err := d.Add(l, sockHandle(0), socket.In, 1); err != nil {
		t.Fatalf("add: %v", err)
	}

	// No I/O, no ctl: both calls time out.
	if evs := pwait(t, d, 10*time.Millisecond); len(evs) != 0 {
		t.Fatalf("first pwait delivered %v", evs)
	}
	if evs := pwait(t, d, 10*time.Millisecond); len(evs) != 0 {
		t.Fatalf("second pwait delivered %v", evs)
	}
}

func TestModReplacesMask(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7310)
	connect(t, e, 7310)

	if err := d.Add(l, sockHandle(0), socket.In, 8); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Interest masked off: the pending connection must not surface.
	if err := d.Mod(l.QD(), 0); err != nil {
		t.Fatalf("mod: %v", err)
	}
	if evs := pwait(t, d, 0); findCookie(evs, 8) != nil {
		t.Error("event delivered despite empty interest mask")
	}

	if err := d.Mod(l.QD(), socket.In); err != nil {
		t.Fatalf("mod back: %v", err)
	}
	evs := pwait(t, d, time.Second)
	if findCookie(evs, 8) == nil {
		t.Errorf("event missing after interest restored: %v", evs)
	}
}

func TestReadinessRecomputedAtDrainTime(t *testing.T) {
	e := loopback.New()
	d := newDpoll(t, e)
	l := newListener(t, e, 7311)
	cli := connect(t, e, 7311)

	if _, err := l.Accept(); err != unix.EAGAIN {
		t.Fatalf("priming accept = %v", err)
	}
	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Add(conn, sockHandle(1), socket.In|socket.Out, 6); err != nil {
		t.Fatalf("add: %v", err)
	}
	pushBytes(t, e, cli, []byte("zz"))

	// The event mask is computed when the ready list is drained, from
	// current state: both IN (data pending) and OUT (no push running).
	evs := pwait(t, d, time.Second)
	ev := findCookie(evs, 6)
	if ev == nil {
		t.Fatalf("no event: %v", evs)
	}
	if ev.Events&unix.EPOLLOUT == 0 {
		t.Error("OUT missing from drain-time recomputation")
	}
}
