// Package future provides the task handle shared by every execution
// substrate: a Future is the read side handed to callers, a Promise is the
// write side retained by whichever adapter accepted the work.
//
// A handle moves Pending -> Running -> {Completed, Failed, Cancelled} at most
// once. Terminal states are immutable; every observer after that point sees
// the same value or error. Waits never mutate the handle, so a timed-out
// Wait can always be retried.
package future

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Future.
type State int32

const (
	// Pending means the work was accepted but has not started.
	Pending State = iota

	// Running means a worker picked the work up.
	Running

	// Completed means the work finished and produced a value.
	Completed

	// Failed means the work finished by returning or raising an error.
	Failed

	// Cancelled means the work was cancelled before it could complete.
	Cancelled
)

// Terminal reports whether s is one of the three final states.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var idCounter atomic.Uint64

// Future is a handle to one unit of work's eventual outcome, regardless of
// which substrate runs the work. It is safe for concurrent use; once a
// terminal state is reached the stored value and error are read-only.
type Future struct {
	mu        sync.Mutex
	id        uint64
	state     State
	value     any
	err       error
	done      chan struct{}
	callbacks []func(*Future)
	canceller func() bool

	// waitDefault is the owning adapter's default wait deadline, applied
	// by Wait when the caller's context carries no deadline. Zero waits
	// forever.
	waitDefault time.Duration
}

// Promise is the write side of a Future. It is owned by the adapter that
// accepted the work; no other component may transition the handle's state.
type Promise struct {
	f *Future
}

// New creates a Pending handle and its write side.
func New() (*Future, *Promise) {
	f := &Future{
		id:    idCounter.Add(1),
		state: Pending,
		done:  make(chan struct{}),
	}
	return f, &Promise{f: f}
}

// ID returns the handle's identity, unique per submission within the
// process.
func (f *Future) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done returns a channel closed once the handle reaches a terminal state.
// Useful for select-based composition alongside Wait.
func (f *Future) Done() <-chan struct{} { return f.done }

// Value returns the stored result and true if the handle Completed.
func (f *Future) Value() (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.state == Completed
}

// Err returns the stored error for a Failed handle, ErrCancelled for a
// Cancelled one, and nil otherwise.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case Failed:
		return f.err
	case Cancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Wait blocks until the handle reaches a terminal state or ctx is done.
//
// On Completed it returns the stored value. On Failed it returns the
// worker's error exactly as stored. On Cancelled it returns ErrCancelled.
// If ctx expires first it returns ErrTimeout and the handle is left
// untouched: a later Wait or OnDone still observes the real outcome.
//
// A ctx without a deadline inherits the owning adapter's default wait
// deadline, when one was configured.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.outcome()
	default:
	}

	if d := f.defaultDeadline(); d > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func (f *Future) defaultDeadline() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitDefault
}

// WaitTimeout is Wait with an explicit relative deadline, overriding any
// adapter default. A non-positive d falls back to Wait.
func (f *Future) WaitTimeout(d time.Duration) (any, error) {
	if d <= 0 {
		return f.Wait(context.Background())
	}
	select {
	case <-f.done:
		return f.outcome()
	case <-time.After(d):
		return nil, ErrTimeout
	}
}

func (f *Future) outcome() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case Completed:
		return f.value, nil
	case Failed:
		return nil, f.err
	default:
		return nil, ErrCancelled
	}
}

// OnDone registers fn to run once the handle is terminal. Callbacks fire in
// registration order, in the completing worker's context rather than the
// submitter's. Registering after completion fires fn synchronously.
func (f *Future) OnDone(fn func(*Future)) {
	f.mu.Lock()
	if !f.state.Terminal() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f)
}

// Cancel requests cancellation and reports whether the work will not run
// (or was stopped). Cancellation of queued-but-unstarted work always
// succeeds; cancellation of running work succeeds only on substrates that
// can preempt it.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	c := f.canceller
	f.mu.Unlock()
	if c != nil {
		return c()
	}
	return (&Promise{f: f}).Cancel()
}

// Future returns the read side of the promise.
func (p *Promise) Future() *Future { return p.f }

// SetCanceller installs the owning adapter's cancellation hook, invoked by
// Future.Cancel.
func (p *Promise) SetCanceller(fn func() bool) {
	p.f.mu.Lock()
	p.f.canceller = fn
	p.f.mu.Unlock()
}

// SetDefaultTimeout installs the owning adapter's default wait deadline,
// applied by Wait calls that carry no deadline of their own. Zero leaves
// waits unbounded.
func (p *Promise) SetDefaultTimeout(d time.Duration) {
	p.f.mu.Lock()
	p.f.waitDefault = d
	p.f.mu.Unlock()
}

// Running transitions Pending -> Running. It reports false if the handle
// already left Pending, e.g. because it was cancelled while queued.
func (p *Promise) Running() bool {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if p.f.state != Pending {
		return false
	}
	p.f.state = Running
	return true
}

// Complete settles the handle with a value. It reports false if the handle
// was already terminal.
func (p *Promise) Complete(v any) bool {
	return p.settle(Completed, v, nil)
}

// Fail settles the handle with the worker's error, stored verbatim.
func (p *Promise) Fail(err error) bool {
	return p.settle(Failed, nil, err)
}

// Cancel settles the handle as Cancelled. It reports false once the handle
// is Running or terminal, so a bare promise-side cancel is only guaranteed
// for queued-but-unstarted work. The Pending check and the transition are
// one critical section: a concurrent Running can never be overridden.
func (p *Promise) Cancel() bool {
	f := p.f
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return false
	}
	cbs := f.settleLocked(Cancelled, nil, ErrCancelled)
	f.mu.Unlock()

	f.fire(cbs)
	return true
}

// ForceCancel settles a Running handle as Cancelled. Only adapters that
// actually preempted the work (e.g. by killing a worker process) may use it.
func (p *Promise) ForceCancel() bool {
	return p.settle(Cancelled, nil, ErrCancelled)
}

// settle performs the single permitted transition into a terminal state and
// drains the callback list in registration order.
func (p *Promise) settle(s State, v any, err error) bool {
	f := p.f
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return false
	}
	cbs := f.settleLocked(s, v, err)
	f.mu.Unlock()

	f.fire(cbs)
	return true
}

// settleLocked stores the terminal state and detaches the callback list.
// Caller holds f.mu.
func (f *Future) settleLocked(s State, v any, err error) []func(*Future) {
	f.state = s
	f.value = v
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	return cbs
}

func (f *Future) fire(cbs []func(*Future)) {
	for _, cb := range cbs {
		cb(f)
	}
}
