//go:build linux

// Package dpoll is a drop-in epoll-compatible multiplexing layer over a
// kernel-bypass asynchronous I/O engine. It lets a TCP server written
// against socket/bind/listen/accept/read/write/epoll interleave fast-path
// sockets and ordinary kernel file descriptors inside a single epoll set.
//
// The surface mirrors the POSIX calls in golang.org/x/sys/unix shapes.
// Descriptors issued by this library always carry bit 30; any fd with that
// bit clear is a kernel fd and is forwarded to the kernel untouched, so the
// two kinds mix freely. Errors are unix.Errno values, the Go rendering of
// "set errno and return -1".
//
// All library I/O is non-blocking: EAGAIN replaces the blocking wait, and
// EpollPwait is the only call that sleeps.
package dpoll

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/engine/loopback"
	"github.com/fastpath/dpoll/internal/handle"
	"github.com/fastpath/dpoll/internal/metrics"
	"github.com/fastpath/dpoll/internal/socket"
	"github.com/fastpath/dpoll/internal/trace"

	mux "github.com/fastpath/dpoll/internal/dpoll"
)

// Process-wide state, serialized on one lock. EpollPwait holds it while
// sleeping: the surface is built for a single-threaded cooperative caller,
// and the lock makes stray concurrent use safe rather than fast.
var (
	mu      sync.Mutex
	eng     engine.Engine
	sockets = handle.NewSlab[*socket.Socket](handle.KindSocket)
	dpolls  = handle.NewSlab[*mux.Dpoll](handle.KindDpoll)
)

// Init initializes the engine and the diagnostic logger (DPOLL_LOG).
// Subsequent calls succeed as no-ops. Sockets created before any explicit
// Init initialize the default engine lazily.
func Init() error {
	mu.Lock()
	defer mu.Unlock()
	return initLocked(nil)
}

// InitWithEngine is Init with a caller-supplied engine, for embedding and
// tests. It is a no-op if the process engine already exists.
func InitWithEngine(e engine.Engine) error {
	mu.Lock()
	defer mu.Unlock()
	return initLocked(e)
}

func initLocked(e engine.Engine) error {
	if eng != nil {
		return nil
	}
	trace.Init()
	if e == nil {
		e = loopback.New()
	}
	eng = e
	trace.Infof("dpoll", "engine initialized")
	return nil
}

// Socket creates a fast-path socket and returns its descriptor. Only
// AF_INET stream sockets exist on the fast path.
func Socket(domain, typ, proto int) (int, error) {
	if domain != unix.AF_INET {
		return -1, unix.EAFNOSUPPORT
	}
	if typ != unix.SOCK_STREAM {
		return -1, unix.EPROTOTYPE
	}

	mu.Lock()
	defer mu.Unlock()
	if err := initLocked(nil); err != nil {
		return -1, err
	}
	soc, err := socket.New(eng)
	if err != nil {
		return -1, err
	}
	metrics.SocketsActive.Inc()
	return sockets.Alloc(soc).FD(), nil
}

// lookupSocket resolves a library socket fd under mu.
func lookupSocket(h handle.Handle) (*socket.Socket, error) {
	soc, ok := sockets.Get(h)
	if !ok {
		return nil, unix.EBADF
	}
	return soc, nil
}

func inet4(sa unix.Sockaddr) (*unix.SockaddrInet4, error) {
	a, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, unix.EAFNOSUPPORT
	}
	return a, nil
}

// Bind assigns the local address of fd.
func Bind(fd int, sa unix.Sockaddr) error {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Bind(fd, sa)
	}
	addr, err := inet4(sa)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return err
	}
	return soc.Bind(addr)
}

// Listen marks fd as accepting connections.
func Listen(fd int, backlog int) error {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Listen(fd, backlog)
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return err
	}
	return soc.Listen(backlog)
}

// Accept returns the next established connection on fd along with the peer
// address. EAGAIN means no connection is deliverable yet; readiness arrives
// through EpollPwait as IN on the listener.
func Accept(fd int) (int, unix.Sockaddr, error) {
	h, ok := handle.FromFD(fd)
	if !ok {
		nfd, sa, err := unix.Accept(fd)
		return nfd, sa, err
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return -1, nil, err
	}
	ns, err := soc.Accept()
	if err != nil {
		return -1, nil, err
	}
	metrics.SocketsActive.Inc()
	nh := sockets.Alloc(ns)
	var sa unix.Sockaddr
	if a := ns.Addr(); a != nil {
		cp := *a
		sa = &cp
	}
	return nh.FD(), sa, nil
}

// Read delivers received bytes into p.
func Read(fd int, p []byte) (int, error) {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Read(fd, p)
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return -1, err
	}
	n, err := soc.Read(p)
	if err == nil {
		metrics.BytesTotal.WithLabelValues("read").Add(float64(n))
	}
	return n, err
}

// Write queues p for transmission and returns the byte count queued. EAGAIN
// signals back-pressure until EpollPwait reports OUT again.
func Write(fd int, p []byte) (int, error) {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Write(fd, p)
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return -1, err
	}
	n, err := soc.Write(p)
	if err == nil {
		metrics.BytesTotal.WithLabelValues("write").Add(float64(n))
	}
	return n, err
}

// Readv scatters received bytes across iovs.
func Readv(fd int, iovs [][]byte) (int, error) {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Readv(fd, iovs)
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return -1, err
	}
	n, err := soc.Readv(iovs)
	if err == nil {
		metrics.BytesTotal.WithLabelValues("read").Add(float64(n))
	}
	return n, err
}

// Writev gathers iovs into one transmission.
func Writev(fd int, iovs [][]byte) (int, error) {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Writev(fd, iovs)
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return -1, err
	}
	n, err := soc.Writev(iovs)
	if err == nil {
		metrics.BytesTotal.WithLabelValues("write").Add(float64(n))
	}
	return n, err
}

// Close releases fd: a socket is closed on the engine without waiting for
// in-flight operations (any dpoll holding it evicts the registration on its
// next sweep); a dpoll tears down its inner kernel epoll; a kernel fd goes
// to the kernel.
func Close(fd int) error {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Close(fd)
	}
	mu.Lock()
	defer mu.Unlock()
	if h.Kind() == handle.KindSocket {
		if _, ok := sockets.Get(h); !ok {
			return unix.EBADF
		}
		soc := sockets.Take(h)
		metrics.SocketsActive.Dec()
		return soc.Close()
	}
	if _, ok := dpolls.Get(h); !ok {
		return unix.EBADF
	}
	return dpolls.Take(h).Close()
}

// SetsockoptInt on a library handle is accepted and ignored — fast-path
// sockets have no kernel options; on a kernel fd it is forwarded.
func SetsockoptInt(fd, level, opt, value int) error {
	if _, ok := handle.FromFD(fd); !ok {
		return unix.SetsockoptInt(fd, level, opt, value)
	}
	return nil
}

// Getsockname returns the exact address recorded at bind. For an accepted
// socket it returns the recorded peer address, and for an unbound socket a
// zero address.
func Getsockname(fd int) (unix.Sockaddr, error) {
	h, ok := handle.FromFD(fd)
	if !ok {
		return unix.Getsockname(fd)
	}
	mu.Lock()
	defer mu.Unlock()
	soc, err := lookupSocket(h)
	if err != nil {
		return nil, err
	}
	if a := soc.Addr(); a != nil {
		cp := *a
		return &cp, nil
	}
	return &unix.SockaddrInet4{}, nil
}

// Connect is not supported on the fast path.
func Connect(fd int, sa unix.Sockaddr) error {
	return unix.ENOSYS
}

// Sendmsg is not supported on the fast path.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) error {
	return unix.ENOSYS
}

// Recvmsg is not supported on the fast path.
func Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	return 0, 0, 0, nil, unix.ENOSYS
}
