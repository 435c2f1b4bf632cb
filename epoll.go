//go:build linux

package dpoll

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/handle"
	"github.com/fastpath/dpoll/internal/socket"

	mux "github.com/fastpath/dpoll/internal/dpoll"
)

// EpollCreate1 creates a dpoll instance: a multiplexer over fast-path
// sockets wrapping its own kernel epoll for pass-through fds. The returned
// descriptor is a library handle.
func EpollCreate1(flags int) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if err := initLocked(nil); err != nil {
		return -1, err
	}
	d, err := mux.Create(eng, flags)
	if err != nil {
		return -1, err
	}
	return dpolls.Alloc(d).FD(), nil
}

// EventData reads the 64-bit user cookie out of an epoll event record.
func EventData(ev *unix.EpollEvent) uint64 {
	return mux.EventData(ev)
}

// SetEventData stores a 64-bit user cookie into an epoll event record.
func SetEventData(ev *unix.EpollEvent, data uint64) {
	mux.SetEventData(ev, data)
}

// EpollCtl registers, modifies or removes interest in fd on epfd. Both
// arguments may independently be library handles or kernel fds: a kernel
// epfd takes the whole call to the kernel; a kernel fd under a library
// epfd lands in the dpoll's inner kernel epoll; a library socket becomes
// an interest item.
func EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error {
	eph, ok := handle.FromFD(epfd)
	if !ok {
		return unix.EpollCtl(epfd, op, fd, event)
	}
	if eph.Kind() != handle.KindDpoll {
		return unix.EBADF
	}

	mu.Lock()
	defer mu.Unlock()
	d, ok := dpolls.Get(eph)
	if !ok {
		return unix.EBADF
	}

	h, lib := handle.FromFD(fd)
	if !lib {
		return d.KernelCtl(op, fd, event)
	}
	soc, err := lookupSocket(h)
	if err != nil {
		return err
	}

	switch op {
	case unix.EPOLL_CTL_ADD, unix.EPOLL_CTL_MOD:
		if event == nil {
			return unix.EFAULT
		}
		// HUP/ERR are implicit in epoll and edge-triggering has no meaning
		// for completion-backed readiness; only IN and OUT are multiplexed.
		evs := socket.Events(event.Events) & socket.All
		if op == unix.EPOLL_CTL_ADD {
			return d.Add(soc, h, evs, mux.EventData(event))
		}
		return d.Mod(soc.QD(), evs)
	case unix.EPOLL_CTL_DEL:
		return d.Del(soc.QD())
	}
	return unix.EINVAL
}

// EpollWait is EpollPwait without a signal mask.
func EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	return EpollPwait(epfd, events, msec, nil)
}

// EpollPwait waits up to msec milliseconds (negative blocks indefinitely)
// for events on epfd, from both the fast-path engine and the inner kernel
// epoll. A timeout is reported as a zero count, never as an error.
func EpollPwait(epfd int, events []unix.EpollEvent, msec int, sigmask *unix.Sigset_t) (int, error) {
	eph, ok := handle.FromFD(epfd)
	if !ok {
		return kernelEpollPwait(epfd, events, msec, sigmask)
	}
	if eph.Kind() != handle.KindDpoll {
		return -1, unix.EBADF
	}

	mu.Lock()
	defer mu.Unlock()
	d, ok := dpolls.Get(eph)
	if !ok {
		return -1, unix.EBADF
	}

	timeout := time.Duration(-1)
	if msec >= 0 {
		timeout = time.Duration(msec) * time.Millisecond
	}
	n, err := d.Pwait(events, timeout, sigmask)
	if err != nil {
		if errors.Is(err, unix.ETIMEDOUT) {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

// kernelEpollPwait forwards epoll_pwait for a kernel epoll fd. The raw
// syscall is used because the kernel sigset is 8 bytes regardless of the
// userspace sigset layout.
func kernelEpollPwait(epfd int, events []unix.EpollEvent, msec int, sigmask *unix.Sigset_t) (int, error) {
	var evp unsafe.Pointer
	if len(events) > 0 {
		evp = unsafe.Pointer(&events[0])
	}
	var sp, ssz uintptr
	if sigmask != nil {
		sp = uintptr(unsafe.Pointer(sigmask))
		ssz = 8
	}
	r0, _, errno := unix.Syscall6(unix.SYS_EPOLL_PWAIT,
		uintptr(epfd), uintptr(evp), uintptr(len(events)), uintptr(msec), sp, ssz)
	if errno != 0 {
		return -1, errno
	}
	return int(r0), nil
}
