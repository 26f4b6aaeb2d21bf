// Package loop provides the cooperative substrate: a single logical thread
// that multiplexes many tasks, interleaving them only at declared
// suspension points. It satisfies the same Adapter contract as the
// preemptive pools, and carries the bridge between the two models in both
// directions.
//
// Cooperative tasks run on their own goroutines, but a baton guarantees at
// most one of them executes at any instant; between suspension points a
// task runs to completion without interruption. The loop goroutine and the
// baton holder together form the loop's single logical thread.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/weftworks/weft/future"
	"github.com/weftworks/weft/substrate"
)

var (
	// ErrReentrantCall is returned by Do when invoked from the loop's own
	// logical thread, where blocking on the loop would deadlock.
	ErrReentrantCall = errors.New("reentrant call into running loop")

	// ErrAlreadyRunning is returned by Run and Start on a loop that is
	// already running.
	ErrAlreadyRunning = errors.New("loop already running")
)

type eventKind int

const (
	evWork eventKind = iota
	evTask
	evResume
)

// event is one mailbox entry: plain work, a new cooperative task, or the
// resumption of a suspended one.
type event struct {
	kind eventKind
	work substrate.Work
	fn   TaskFunc
	p    *future.Promise
	task *Task
}

// TaskFunc is the body of a cooperative task. It may suspend through its
// *Task; everything between suspension points runs uninterrupted.
type TaskFunc func(t *Task) (any, error)

// Loop is the cooperative-loop adapter. Create with New, drive with Run or
// Start, release with Shutdown.
type Loop struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	mailbox  *queue.Queue // of *event
	closed   bool
	live     int // cooperative tasks started and not yet finished

	started atomic.Bool
	loopGID atomic.Uint64
	heldGID atomic.Uint64 // goroutine id of the current baton holder

	done chan struct{}
}

var _ substrate.Adapter = (*Loop)(nil)

// New creates a loop. Nothing runs until Run or Start.
func New() *Loop {
	l := &Loop{
		mailbox: queue.New(),
		done:    make(chan struct{}),
	}
	l.notEmpty = sync.NewCond(&l.mu)
	return l
}

// Width reports the loop's concurrency width, which is one by definition:
// concurrency here is interleaved, never parallel.
func (l *Loop) Width() int { return 1 }

// Submit schedules plain work to run on the loop's thread, in FIFO order
// relative to other mailbox entries. Safe to call from any goroutine. The
// work runs to completion with no suspension points; use Go for work that
// needs to await.
func (l *Loop) Submit(w substrate.Work) (*future.Future, error) {
	if w == nil {
		return nil, substrate.ErrNilWork
	}
	f, p := future.New()
	p.SetCanceller(p.Cancel)
	if err := l.post(&event{kind: evWork, work: w, p: p}); err != nil {
		return nil, err
	}
	return f, nil
}

// Go schedules a cooperative task. The returned handle settles when fn
// returns; fn may suspend through its *Task while other loop work runs.
func (l *Loop) Go(fn TaskFunc) (*future.Future, error) {
	if fn == nil {
		return nil, substrate.ErrNilWork
	}
	f, p := future.New()
	p.SetCanceller(p.Cancel)
	t := newTask(l, p)
	if err := l.post(&event{kind: evTask, fn: fn, p: p, task: t}); err != nil {
		return nil, err
	}
	return f, nil
}

// Do runs w on the loop's thread and blocks the calling goroutine until it
// settles or ctx expires. This is the bridge for ordinary blocking code
// submitting into a running loop owned by another thread.
//
// Called from the loop's own logical thread it would deadlock, so it fails
// fast with ErrReentrantCall instead.
func (l *Loop) Do(ctx context.Context, w substrate.Work) (any, error) {
	if l.onLoopThread() {
		return nil, ErrReentrantCall
	}
	f, err := l.Submit(w)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Run drives the loop on the calling goroutine until Shutdown drains it.
func (l *Loop) Run() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.run()
	return nil
}

// Start drives the loop on its own goroutine.
func (l *Loop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go l.run()
	return nil
}

func (l *Loop) run() {
	l.loopGID.Store(goroutineID())
	defer l.loopGID.Store(0)

	for {
		ev, ok := l.next()
		if !ok {
			break
		}
		l.dispatch(ev)
	}
	close(l.done)
}

// Shutdown stops the loop. Queued-but-unstarted work fails with
// substrate.ErrShutdown in either mode; suspended tasks are resumed and
// allowed to finish, since cooperative work cannot be preempted. Blocks
// until the loop drains or ctx expires. Idempotent.
func (l *Loop) Shutdown(ctx context.Context, mode substrate.ShutdownMode) error {
	_ = mode // both modes behave alike here; nothing can be preempted

	l.mu.Lock()
	if !l.closed {
		l.closed = true
		// Fail not-yet-started entries, preserving resumptions of
		// in-flight tasks.
		n := l.mailbox.Length()
		for i := 0; i < n; i++ {
			ev := l.mailbox.Remove().(*event)
			if ev.kind == evResume {
				l.mailbox.Add(ev)
				continue
			}
			ev.p.Fail(substrate.ErrShutdown)
		}
	}
	l.mu.Unlock()
	l.notEmpty.Broadcast()

	if !l.started.Load() {
		// Never ran: nothing in flight, mailbox already failed.
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return substrate.ErrShutdownTimeout
	}
}

// Done is closed once the loop has fully drained after Shutdown.
func (l *Loop) Done() <-chan struct{} { return l.done }

// post enqueues a mailbox entry from any goroutine. Resumptions are always
// accepted so suspended tasks can finish during shutdown.
func (l *Loop) post(ev *event) error {
	l.mu.Lock()
	if l.closed && ev.kind != evResume {
		l.mu.Unlock()
		return substrate.ErrShutdown
	}
	l.mailbox.Add(ev)
	l.mu.Unlock()
	l.notEmpty.Signal()
	return nil
}

// next blocks until an entry arrives or the loop may exit: closed, mailbox
// empty, no live tasks awaiting resumption.
func (l *Loop) next() (*event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.mailbox.Length() == 0 {
		if l.closed && l.live == 0 {
			return nil, false
		}
		l.notEmpty.Wait()
	}
	return l.mailbox.Remove().(*event), true
}

func (l *Loop) dispatch(ev *event) {
	switch ev.kind {
	case evWork:
		// Cancelled while queued: never transitions to Running.
		if !ev.p.Running() {
			return
		}
		v, err := runOnLoop(ev.work)
		if err != nil {
			ev.p.Fail(err)
		} else {
			ev.p.Complete(v)
		}

	case evTask:
		if !ev.p.Running() {
			return
		}
		l.mu.Lock()
		l.live++
		l.mu.Unlock()
		go ev.task.run(ev.fn)
		l.handBaton(ev.task)

	case evResume:
		l.handBaton(ev.task)
	}
}

// handBaton lets t execute until its next suspension point or completion.
// The loop goroutine parks meanwhile, preserving the single logical thread.
func (l *Loop) handBaton(t *Task) {
	t.resume <- struct{}{}
	<-t.yield
	if t.finished.Load() {
		l.mu.Lock()
		l.live--
		l.mu.Unlock()
		l.notEmpty.Signal()
	}
}

// onLoopThread reports whether the caller is the loop goroutine or the
// current baton holder.
func (l *Loop) onLoopThread() bool {
	g := goroutineID()
	if lg := l.loopGID.Load(); lg != 0 && lg == g {
		return true
	}
	if hg := l.heldGID.Load(); hg != 0 && hg == g {
		return true
	}
	return false
}

// runOnLoop executes plain work with panic containment. The work gets a
// background context: the loop has no preemption to propagate.
func runOnLoop(w substrate.Work) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = future.NewWorkError(fmt.Errorf("work panic: %v\nstack trace:\n%s", r, buf[:n]))
		}
	}()
	v, err = w.Run(context.Background())
	if err != nil {
		err = future.NewWorkError(err)
	}
	return v, err
}

// goroutineID parses the current goroutine's id out of its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
