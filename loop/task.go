package loop

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/future"
	"github.com/weftworks/weft/substrate"
)

// Task is the in-loop view of one cooperative task. Its methods are the
// declared suspension points; they must only be called from the task's own
// body.
type Task struct {
	loop     *Loop
	p        *future.Promise
	resume   chan struct{}
	yield    chan struct{}
	finished atomic.Bool
}

func newTask(l *Loop, p *future.Promise) *Task {
	return &Task{
		loop:   l,
		p:      p,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
}

// run is the task goroutine body: wait for the first baton, execute, settle
// the handle, hand the baton back.
func (t *Task) run(fn TaskFunc) {
	<-t.resume
	t.loop.heldGID.Store(goroutineID())

	v, err := t.invoke(fn)

	t.loop.heldGID.Store(0)
	t.finished.Store(true)
	if err != nil {
		t.p.Fail(future.NewWorkError(err))
	} else {
		t.p.Complete(v)
	}
	t.yield <- struct{}{}
}

func (t *Task) invoke(fn TaskFunc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = future.NewWorkError(fmt.Errorf("task panic: %v\nstack trace:\n%s", r, buf[:n]))
		}
	}()
	return fn(t)
}

// suspend releases the baton and parks until the loop hands it back.
func (t *Task) suspend() {
	t.loop.heldGID.Store(0)
	t.yield <- struct{}{}
	<-t.resume
	t.loop.heldGID.Store(goroutineID())
}

// Await suspends the task until f settles, letting other loop work run
// meanwhile. The settled outcome is returned exactly as a direct Wait
// would return it. This is the loop->pool half of the bridge when f came
// from a preemptive pool: the pool worker's done-callback relays the
// completion into the loop's mailbox, and the loop resumes the task.
func (t *Task) Await(f *future.Future) (any, error) {
	f.OnDone(func(*future.Future) {
		// Runs on whatever worker completed f; the mailbox is the
		// thread-safe handoff back into the loop.
		_ = t.loop.post(&event{kind: evResume, task: t})
	})
	t.suspend()
	return f.Wait(context.Background())
}

// AwaitPool submits w to a preemptive pool and awaits the result without
// blocking the loop.
func (t *Task) AwaitPool(a substrate.Adapter, w substrate.Work) (any, error) {
	f, err := a.Submit(w)
	if err != nil {
		return nil, err
	}
	return t.Await(f)
}

// Sleep suspends the task for at least d, yielding the loop to other work.
func (t *Task) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.AfterFunc(d, func() {
		_ = t.loop.post(&event{kind: evResume, task: t})
	})
	t.suspend()
}

// Yield suspends the task just long enough for already-queued loop work to
// run.
func (t *Task) Yield() {
	_ = t.loop.post(&event{kind: evResume, task: t})
	t.suspend()
}
