// Package op tracks a single in-flight engine operation. This is the
// mechanism that turns a proactive completion into a non-blocking
// read/write/accept call: each socket direction owns one Op, the Op owes at
// most one completion, and callers poll it with a zero timeout instead of
// blocking.
package op

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll/internal/engine"
)

// State of an operation. Exactly one completion is owed while Running.
type State int

const (
	// Idle: nothing submitted.
	Idle State = iota
	// Running: submitted, completion outstanding.
	Running
	// Completed: result stored, waiting to be consumed.
	Completed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	}
	return "idle"
}

// Decoder converts a raw engine completion into the operation's typed
// result. A failed completion decodes to the engine's errno.
type Decoder[T any] func(engine.Result) (T, error)

// Op is the state machine for one operation kind on one socket. The
// submit-side payload (the scatter-gather buffer of a push) is retained for
// the whole Running state, keeping the engine's memory valid until the
// completion is observed; the transition out of Running releases it.
type Op[T any] struct {
	state   State
	tok     engine.QToken
	payload *engine.SgArray
	val     T
	err     error
}

// State returns the current state.
func (o *Op[T]) State() State { return o.state }

// IsIdle reports state == Idle.
func (o *Op[T]) IsIdle() bool { return o.state == Idle }

// IsRunning reports state == Running.
func (o *Op[T]) IsRunning() bool { return o.state == Running }

// IsDone reports state == Completed.
func (o *Op[T]) IsDone() bool { return o.state == Completed }

// Token returns the queue token of the Running submission.
func (o *Op[T]) Token() engine.QToken {
	if o.state != Running {
		panic(fmt.Sprintf("op: token requested in state %v", o.state))
	}
	return o.tok
}

// Start records a submission. Double submission is a programmer error.
func (o *Op[T]) Start(tok engine.QToken, payload *engine.SgArray) {
	if o.state != Idle {
		panic(fmt.Sprintf("op: start in state %v", o.state))
	}
	o.state = Running
	o.tok = tok
	o.payload = payload
}

// Complete stores the result of the owed completion and drops the retained
// payload.
func (o *Op[T]) Complete(val T, err error) {
	if o.state != Running {
		panic(fmt.Sprintf("op: complete in state %v", o.state))
	}
	o.state = Completed
	o.payload = nil
	o.val = val
	o.err = err
}

// CompleteResult decodes res and stores it.
func (o *Op[T]) CompleteResult(res engine.Result, dec Decoder[T]) {
	val, err := dec(res)
	o.Complete(val, err)
}

// Take consumes the stored result and returns the operation to Idle.
func (o *Op[T]) Take() (T, error) {
	if o.state != Completed {
		panic(fmt.Sprintf("op: take in state %v", o.state))
	}
	val, err := o.val, o.err
	var zero T
	o.state = Idle
	o.val = zero
	o.err = nil
	return val, err
}

// Peek returns the stored result without a state change.
func (o *Op[T]) Peek() (T, error) {
	if o.state != Completed {
		panic(fmt.Sprintf("op: peek in state %v", o.state))
	}
	return o.val, o.err
}

// wait drives a Running operation through the engine. A timeout leaves the
// state unchanged; any other wait error is an engine contract violation.
func (o *Op[T]) wait(eng engine.Engine, timeout time.Duration, dec Decoder[T]) {
	if o.state != Running {
		return
	}
	res, err := eng.Wait(o.tok, timeout)
	if err != nil {
		if errors.Is(err, unix.ETIMEDOUT) {
			return
		}
		panic(fmt.Sprintf("op: engine wait failed: %v", err))
	}
	o.CompleteResult(res, dec)
}

// Poll observes a completion if one has arrived, without blocking. It
// reports whether the operation is now "not blocked" (anything but Running).
func (o *Op[T]) Poll(eng engine.Engine, dec Decoder[T]) bool {
	o.wait(eng, 0, dec)
	return o.state != Running
}

// Block waits indefinitely for the owed completion.
func (o *Op[T]) Block(eng engine.Engine, dec Decoder[T]) {
	o.wait(eng, -1, dec)
}

// GetOrSchedule is the non-blocking front end:
//
//   - Idle: invoke submit, record the token, report wouldblock.
//   - Running: poll once; consume the result if it arrived, else wouldblock.
//   - Completed: consume the stored result.
//
// ok is false when the caller should report WOULDBLOCK; err then carries a
// submission failure, if any.
func (o *Op[T]) GetOrSchedule(eng engine.Engine, dec Decoder[T], submit func() (engine.QToken, *engine.SgArray, error)) (val T, ok bool, err error) {
	switch o.state {
	case Idle:
		tok, payload, serr := submit()
		if serr != nil {
			return val, false, serr
		}
		o.Start(tok, payload)
		return val, false, nil
	case Running:
		if !o.Poll(eng, dec) {
			return val, false, nil
		}
	}
	val, err = o.Take()
	return val, true, err
}
