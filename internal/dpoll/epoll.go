//go:build linux

package dpoll

import (
	"time"

	"golang.org/x/sys/unix"
)

// kernelEpoll wraps a kernel epoll descriptor for the pass-through side of
// a dpoll: ordinary kernel fds registered alongside fast-path sockets. Its
// lifetime is tied to the owning dpoll instance.
type kernelEpoll struct {
	fd int
}

func newKernelEpoll(flags int) (*kernelEpoll, error) {
	fd, err := unix.EpollCreate1(flags)
	if err != nil {
		return nil, err
	}
	return &kernelEpoll{fd: fd}, nil
}

// ctl forwards an epoll_ctl for a kernel fd.
func (e *kernelEpoll) ctl(op int, fd int, event *unix.EpollEvent) error {
	return unix.EpollCtl(e.fd, op, fd, event)
}

// wait collects ready kernel events into events, blocking up to timeout.
// A negative timeout blocks indefinitely.
func (e *kernelEpoll) wait(events []unix.EpollEvent, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	return unix.EpollWait(e.fd, events, msec)
}

func (e *kernelEpoll) close() error {
	return unix.Close(e.fd)
}
