package substrate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/future"
)

// ThreadPool runs work on a fixed set of worker goroutines draining one
// shared FIFO queue. It is the substrate of choice for I/O-bound work and
// for closures, which cannot cross a process boundary.
//
// The in-flight count never exceeds the configured width because the
// workers themselves are the only consumers of the queue.
type ThreadPool struct {
	cfg config

	mu       sync.Mutex
	notEmpty *sync.Cond
	pending  *queue.Queue // of *queuedWork
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	mode   ShutdownMode
	done   chan struct{}
}

var _ Adapter = (*ThreadPool)(nil)

type queuedWork struct {
	work Work
	p    *future.Promise

	// preempted requests a kill for substrates that support it; set by a
	// canceller racing the dispatch path.
	preempted atomic.Bool
}

// NewThreadPool creates and starts a pool of worker goroutines.
//
// Example:
//
//	tp := substrate.NewThreadPool(substrate.WithWidth(8))
//	defer tp.Shutdown(context.Background(), substrate.ShutdownGraceful)
//
//	f, _ := tp.Submit(substrate.Func(func(ctx context.Context) (any, error) {
//	    return fetch(ctx, url)
//	}))
//	v, err := f.Wait(ctx)
func NewThreadPool(opts ...Option) *ThreadPool {
	cfg := newConfig(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	tp := &ThreadPool{
		cfg:     cfg,
		pending: queue.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	tp.notEmpty = sync.NewCond(&tp.mu)

	var g errgroup.Group
	for i := 0; i < cfg.width; i++ {
		g.Go(tp.worker)
	}
	go func() {
		_ = g.Wait()
		close(tp.done)
	}()
	return tp
}

// Width returns the number of worker goroutines.
func (tp *ThreadPool) Width() int { return tp.cfg.width }

// DefaultTimeout returns the configured default wait deadline, zero if
// unset.
func (tp *ThreadPool) DefaultTimeout() time.Duration { return tp.cfg.defaultTimeout }

// Submit queues w and returns its handle immediately. Cancelling the handle
// before a worker picks it up is guaranteed to succeed; once the work is
// running on a goroutine it cannot be preempted, only observed.
func (tp *ThreadPool) Submit(w Work) (*future.Future, error) {
	if w == nil {
		return nil, ErrNilWork
	}

	f, p := future.New()
	p.SetCanceller(p.Cancel)
	p.SetDefaultTimeout(tp.cfg.defaultTimeout)

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, ErrShutdown
	}
	tp.pending.Add(&queuedWork{work: w, p: p})
	tp.mu.Unlock()
	tp.notEmpty.Signal()

	return f, nil
}

// worker drains the FIFO queue until shutdown.
func (tp *ThreadPool) worker() error {
	for {
		item, ok := tp.next()
		if !ok {
			return nil
		}

		// A handle cancelled while queued never transitions to Running.
		if !item.p.Running() {
			continue
		}

		if lim := tp.cfg.limiter; lim != nil {
			if err := lim.Wait(tp.ctx); err != nil {
				tp.settle(item.p, nil, err)
				continue
			}
		}

		v, err := runWork(tp.ctx, item.work)
		tp.settle(item.p, v, err)
	}
}

// next blocks until work is queued or the pool winds down.
func (tp *ThreadPool) next() (*queuedWork, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for tp.pending.Length() == 0 {
		if tp.closed {
			return nil, false
		}
		tp.notEmpty.Wait()
	}
	item := tp.pending.Remove().(*queuedWork)
	return item, true
}

// settle resolves a handle, mapping an immediate-shutdown interrupt to
// Cancelled rather than Failed.
func (tp *ThreadPool) settle(p *future.Promise, v any, err error) {
	if err == nil {
		p.Complete(v)
		return
	}
	if errors.Is(err, context.Canceled) && tp.isImmediate() {
		p.ForceCancel()
		return
	}
	p.Fail(err)
}

func (tp *ThreadPool) isImmediate() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.closed && tp.mode == ShutdownImmediate
}

// Shutdown releases the pool. Queued-but-unstarted work fails with
// ErrShutdown in either mode; ShutdownImmediate additionally cancels the
// pool context so in-flight work observing it stops early. Idempotent.
func (tp *ThreadPool) Shutdown(ctx context.Context, mode ShutdownMode) error {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil
	}
	tp.closed = true
	tp.mode = mode
	for tp.pending.Length() > 0 {
		item := tp.pending.Remove().(*queuedWork)
		item.p.Fail(ErrShutdown)
	}
	tp.mu.Unlock()
	tp.notEmpty.Broadcast()

	if mode == ShutdownImmediate {
		tp.cancel()
	}

	err := waitUntil(ctx, tp.done)
	if err == nil {
		tp.cancel()
	}
	return err
}
