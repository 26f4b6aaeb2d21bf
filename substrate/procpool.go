package substrate

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/future"
)

// ProcessPool runs Calls on a fixed set of worker processes, re-executions
// of the host binary speaking gob over stdin/stdout. Work and results must
// cross the process boundary, so only registered Calls with encodable
// arguments are accepted; anything else fails submission with
// ErrUnserializable before a worker is ever involved.
//
// Unlike the thread pool, running work can be preempted: cancelling a
// running handle kills its worker process, which is then respawned for the
// next job.
type ProcessPool struct {
	cfg config

	mu       sync.Mutex
	notEmpty *sync.Cond
	pending  *queue.Queue // of *queuedWork
	closed   bool
	mode     ShutdownMode

	ctx     context.Context
	cancel  context.CancelFunc
	workers []*procWorker
	done    chan struct{}
}

var _ Adapter = (*ProcessPool)(nil)

// procWorker owns one worker process. The process is spawned lazily on the
// first job and replaced if it dies.
type procWorker struct {
	pool *ProcessPool
	id   int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *gob.Encoder
	dec    *gob.Decoder
	cur    *queuedWork
	killed bool
}

// NewProcessPool creates a pool of width worker-process slots. Processes
// are spawned on first use. The host binary must call WorkerInit at the top
// of main.
func NewProcessPool(opts ...Option) *ProcessPool {
	cfg := newConfig(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	pp := &ProcessPool{
		cfg:     cfg,
		pending: queue.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	pp.notEmpty = sync.NewCond(&pp.mu)

	var g errgroup.Group
	for i := 0; i < cfg.width; i++ {
		w := &procWorker{pool: pp, id: i}
		pp.workers = append(pp.workers, w)
		g.Go(w.loop)
	}
	go func() {
		_ = g.Wait()
		close(pp.done)
	}()
	return pp
}

// Width returns the number of worker-process slots.
func (pp *ProcessPool) Width() int { return pp.cfg.width }

// DefaultTimeout returns the configured default wait deadline, zero if
// unset.
func (pp *ProcessPool) DefaultTimeout() time.Duration { return pp.cfg.defaultTimeout }

// Submit queues a Call and returns its handle immediately.
//
// Submission fails fast, synchronously and without creating a handle, when
// w is not a Call (closures cannot be serialized), names an unregistered
// task, or carries arguments gob cannot encode.
func (pp *ProcessPool) Submit(w Work) (*future.Future, error) {
	if w == nil {
		return nil, ErrNilWork
	}
	c, ok := asCall(w)
	if !ok {
		return nil, fmt.Errorf("%w: process pool accepts Call work only, got %T", ErrUnserializable, w)
	}
	if _, ok := lookupTask(c.Name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, c.Name)
	}
	if err := checkSerializable(c); err != nil {
		return nil, err
	}

	f, p := future.New()
	p.SetDefaultTimeout(pp.cfg.defaultTimeout)
	item := &queuedWork{work: c, p: p}
	p.SetCanceller(func() bool {
		if p.Cancel() {
			return true
		}
		return pp.killRunning(item)
	})

	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil, ErrShutdown
	}
	pp.pending.Add(item)
	pp.mu.Unlock()
	pp.notEmpty.Signal()

	return f, nil
}

// next blocks until work is queued or the pool winds down.
func (pp *ProcessPool) next() (*queuedWork, bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for pp.pending.Length() == 0 {
		if pp.closed {
			return nil, false
		}
		pp.notEmpty.Wait()
	}
	return pp.pending.Remove().(*queuedWork), true
}

// killRunning preempts item if it is being executed, or about to be. The
// preempted flag covers the window between dispatch and process spawn.
func (pp *ProcessPool) killRunning(item *queuedWork) bool {
	if item.p.Future().State().Terminal() {
		return false
	}
	item.preempted.Store(true)
	for _, w := range pp.workers {
		w.mu.Lock()
		if w.cur == item && w.cmd != nil {
			w.killed = true
			_ = w.cmd.Process.Kill()
			w.mu.Unlock()
			item.p.ForceCancel()
			return true
		}
		w.mu.Unlock()
	}
	// Not on a worker yet; the executing slot will observe the flag.
	return item.p.ForceCancel()
}

// Shutdown releases the pool. Queued-but-unstarted Calls fail with
// ErrShutdown; ShutdownImmediate also kills in-flight worker processes,
// cancelling their handles. Idempotent.
func (pp *ProcessPool) Shutdown(ctx context.Context, mode ShutdownMode) error {
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil
	}
	pp.closed = true
	pp.mode = mode
	for pp.pending.Length() > 0 {
		pp.pending.Remove().(*queuedWork).p.Fail(ErrShutdown)
	}
	pp.mu.Unlock()
	pp.notEmpty.Broadcast()

	if mode == ShutdownImmediate {
		pp.cancel()
		for _, w := range pp.workers {
			w.kill()
		}
	}

	err := waitUntil(ctx, pp.done)
	if err == nil {
		pp.cancel()
	}
	return err
}

func (w *procWorker) loop() error {
	for {
		item, ok := w.pool.next()
		if !ok {
			w.stop()
			return nil
		}
		if !item.p.Running() {
			continue
		}
		if lim := w.pool.cfg.limiter; lim != nil {
			if err := lim.Wait(w.pool.ctx); err != nil {
				if w.pool.immediate() {
					item.p.ForceCancel()
				} else {
					item.p.Fail(err)
				}
				continue
			}
		}
		w.execute(item)
	}
}

func (pp *ProcessPool) immediate() bool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.closed && pp.mode == ShutdownImmediate
}

// execute sends one request to the worker process and settles the handle
// from the reply. A dead process fails the in-flight handle (unless it was
// killed on purpose) and is replaced lazily.
func (w *procWorker) execute(item *queuedWork) {
	c, _ := asCall(item.work)

	w.mu.Lock()
	if w.cmd == nil {
		if err := w.start(); err != nil {
			w.mu.Unlock()
			item.p.Fail(fmt.Errorf("spawn worker process: %w", err))
			return
		}
	}
	w.cur = item
	w.killed = false
	if item.preempted.Load() {
		// Cancelled between dispatch and spawn; nothing was sent yet,
		// so the process stays usable for the next job.
		w.cur = nil
		w.mu.Unlock()
		item.p.ForceCancel()
		return
	}
	enc, dec := w.enc, w.dec
	w.mu.Unlock()

	req := procRequest{ID: item.p.Future().ID(), Name: c.Name, Args: c.Args}
	err := enc.Encode(&req)
	var resp procResponse
	if err == nil {
		err = dec.Decode(&resp)
	}

	w.mu.Lock()
	w.cur = nil
	killed := w.killed
	w.mu.Unlock()

	if err != nil {
		w.teardown()
		if killed {
			// killRunning or an immediate shutdown already
			// cancelled the handle.
			item.p.ForceCancel()
			return
		}
		item.p.Fail(future.NewWorkError(fmt.Errorf("worker process died: %v", err)))
		return
	}

	if resp.Err != "" {
		// The worker already runs work through runWork, so everything
		// crossing the pipe is a work failure.
		item.p.Fail(future.NewWorkError(errors.New(resp.Err)))
		return
	}
	item.p.Complete(resp.Value)
}

// start spawns the worker process. Caller holds w.mu.
func (w *procWorker) start() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), workerEnv+"=1")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	w.cmd = cmd
	w.stdin = stdin
	w.enc = gob.NewEncoder(stdin)
	w.dec = gob.NewDecoder(stdout)
	return nil
}

// teardown reaps a dead or poisoned worker process so the next job spawns
// a fresh one.
func (w *procWorker) teardown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return
	}
	_ = w.stdin.Close()
	_ = w.cmd.Process.Kill()
	_ = w.cmd.Wait()
	w.cmd = nil
}

// stop ends an idle worker gracefully: closing stdin makes the process
// exit at EOF.
func (w *procWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return
	}
	_ = w.stdin.Close()
	_ = w.cmd.Wait()
	w.cmd = nil
}

// kill preempts whatever the worker is doing during immediate shutdown.
func (w *procWorker) kill() {
	w.mu.Lock()
	cur := w.cur
	if w.cmd != nil {
		w.killed = true
		_ = w.cmd.Process.Kill()
	}
	w.mu.Unlock()
	if cur != nil {
		cur.p.ForceCancel()
	}
}
