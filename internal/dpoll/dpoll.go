//go:build linux

// Package dpoll implements the readiness multiplexer bridging the proactive
// fast-path engine and the kernel's epoll. A dpoll owns one interest item
// per registered fast-path socket, a level-triggered ready list, a scratch
// vector of outstanding queue tokens, and a wrapped kernel epoll instance
// for ordinary fds. Pwait reconstructs the synchronous readiness contract:
// it sweeps the interest set, submits whatever operations are missing,
// waits once on the union of tokens, drains the ready list, then gives the
// kernel epoll the rest of the timeout budget.
package dpoll

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/handle"
	"github.com/fastpath/dpoll/internal/metrics"
	"github.com/fastpath/dpoll/internal/socket"
	"github.com/fastpath/dpoll/internal/trace"
)

// Dpoll is one multiplexer instance.
type Dpoll struct {
	eng   engine.Engine
	items *items
	ready readyList
	qtoks []engine.QToken
	kep   *kernelEpoll
}

// Create builds a dpoll with a fresh inner kernel epoll. flags follows
// epoll_create1.
func Create(eng engine.Engine, flags int) (*Dpoll, error) {
	kep, err := newKernelEpoll(flags)
	if err != nil {
		return nil, err
	}
	metrics.DpollsActive.Inc()
	return &Dpoll{
		eng:   eng,
		items: newItems(),
		qtoks: make([]engine.QToken, 0, 64),
		kep:   kep,
	}, nil
}

// Close releases the inner kernel epoll. Interest items die with the
// instance.
func (d *Dpoll) Close() error {
	metrics.DpollsActive.Dec()
	return d.kep.close()
}

// Add registers soc with the given event mask and caller cookie. A second
// registration of the same socket fails with EEXIST.
func (d *Dpoll) Add(soc *socket.Socket, h handle.Handle, events socket.Events, data uint64) error {
	return d.items.insert(&item{soc: soc, h: h, events: events, data: data})
}

// Mod replaces the event mask of an existing registration.
func (d *Dpoll) Mod(qd engine.QD, events socket.Events) error {
	it := d.items.get(qd)
	if it == nil {
		return unix.ENOENT
	}
	it.events = events
	return nil
}

// Del removes a registration, pulling it off the ready list if needed.
func (d *Dpoll) Del(qd engine.QD) error {
	it, ok := d.items.remove(qd)
	if !ok {
		return unix.ENOENT
	}
	if it.onReady {
		d.ready.remove(it)
	}
	return nil
}

// KernelCtl forwards an epoll_ctl for a kernel fd to the inner epoll.
func (d *Dpoll) KernelCtl(op int, fd int, event *unix.EpollEvent) error {
	return d.kep.ctl(op, fd, event)
}

// sweep walks the interest items in descriptor order: closed sockets are
// evicted, missing operations are submitted (collecting every outstanding
// token into the scratch vector), and items with deliverable events are
// promoted onto the ready list.
func (d *Dpoll) sweep() error {
	d.qtoks = d.qtoks[:0]

	var evict []engine.QD
	var promote []*item
	for _, qd := range d.items.ordered() {
		it := d.items.get(qd)
		if !it.soc.Open() {
			evict = append(evict, qd)
			continue
		}
		ready := it.soc.AvailableEvents(it.events)
		if err := it.soc.ScheduleEvents(it.events&^ready, &d.qtoks); err != nil {
			return err
		}
		if ready != 0 && !it.onReady {
			promote = append(promote, it)
		}
	}

	for _, qd := range evict {
		it, _ := d.items.remove(qd)
		if it.onReady {
			d.ready.remove(it)
		}
		trace.Debugf("dpoll", "evicted closed socket qd=%d", qd)
	}
	for _, it := range promote {
		d.ready.push(it)
	}
	return nil
}

// drain pops up to len(events) ready items. Readiness is recomputed now, at
// drain time, so events consumed since insertion are not reported stale.
func (d *Dpoll) drain(events []unix.EpollEvent) int {
	return d.ready.drain(len(events), func(i int, it *item) {
		evs := it.soc.AvailableEvents(socket.All)
		events[i] = unix.EpollEvent{Events: uint32(evs)}
		SetEventData(&events[i], it.data)
	})
}

// Pwait fills events from both sources and returns the count delivered.
// timeout follows epoll_pwait (negative blocks indefinitely); sigmask, when
// non-nil, is installed for the duration of the call and restored on every
// exit path. When nothing is deliverable within the budget Pwait returns
// unix.ETIMEDOUT; the shim maps that to a zero count.
func (d *Dpoll) Pwait(events []unix.EpollEvent, timeout time.Duration, sigmask *unix.Sigset_t) (int, error) {
	if sigmask != nil {
		var old unix.Sigset_t
		if err := unix.PthreadSigmask(unix.SIG_SETMASK, sigmask, &old); err != nil {
			return 0, err
		}
		defer unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
	}

	metrics.PwaitTotal.Inc()
	start := time.Now()
	defer func() {
		metrics.PwaitDuration.Observe(time.Since(start).Seconds())
	}()

	if err := d.sweep(); err != nil {
		return 0, err
	}

	// Level-triggered: never block while work is already deliverable.
	if !d.ready.empty() {
		timeout = 0
	}

	if len(d.qtoks) > 0 {
		_, res, err := d.eng.WaitAny(d.qtoks, timeout)
		switch {
		case err == nil:
			// The completing descriptor may have been evicted this very
			// call; completions for evicted sockets are dropped.
			if it := d.items.get(res.QD); it != nil {
				it.soc.ProcessEvent(res)
				d.ready.push(it)
			}
			timeout = 0
		case errors.Is(err, unix.ETIMEDOUT):
			timeout = 0
		default:
			return 0, err
		}
	}

	k := d.drain(events)
	if k > 0 {
		timeout = 0
	}

	kn, err := d.kep.wait(events[k:], timeout)
	if err != nil {
		return 0, err
	}

	metrics.EventsDelivered.WithLabelValues("fastpath").Add(float64(k))
	metrics.EventsDelivered.WithLabelValues("kernel").Add(float64(kn))

	m := k + kn
	if m == 0 {
		return 0, unix.ETIMEDOUT
	}
	trace.Tracef("dpoll", "pwait delivered %d events (%d fastpath, %d kernel)", m, k, kn)
	return m, nil
}

// EventData reads the caller cookie out of an epoll event record. The
// kernel's 64-bit data union spans the Fd and Pad fields of the x/sys
// layout.
func EventData(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// SetEventData stores a caller cookie into an epoll event record.
func SetEventData(ev *unix.EpollEvent, data uint64) {
	ev.Fd = int32(uint32(data))
	ev.Pad = int32(uint32(data >> 32))
}
