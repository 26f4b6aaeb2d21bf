// Package weft unifies background execution behind one task handle: submit
// a callable to a thread pool, a process pool or a cooperative loop and get
// back the same kind of future either way. Subpackages hold the moving
// parts: future (handles), substrate (preemptive pools), loop (the
// cooperative substrate and the bridge), chain (parallel pipelines over
// sequences), subproc (external commands as work items).
//
// This package carries the process-wide defaults: one lazily created
// thread pool, process pool and loop, so ordinary code can launch
// background work without managing adapters. Tests inject their own via
// the SetDefault functions.
package weft

import (
	"context"
	"sync"

	"github.com/weftworks/weft/future"
	"github.com/weftworks/weft/loop"
	"github.com/weftworks/weft/substrate"
)

var (
	defaultMu      sync.Mutex
	defaultThread  substrate.Adapter
	defaultProcess substrate.Adapter
	defaultLoop    *loop.Loop
)

// DefaultThreadPool returns the process-wide thread pool, creating it on
// first use.
func DefaultThreadPool() substrate.Adapter {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultThread == nil {
		defaultThread = substrate.NewThreadPool()
	}
	return defaultThread
}

// DefaultProcessPool returns the process-wide process pool, creating it on
// first use. The binary must call WorkerInit at the top of main.
func DefaultProcessPool() substrate.Adapter {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultProcess == nil {
		defaultProcess = substrate.NewProcessPool()
	}
	return defaultProcess
}

// DefaultLoop returns the process-wide cooperative loop, started on first
// use.
func DefaultLoop() *loop.Loop {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLoop == nil {
		defaultLoop = loop.New()
		_ = defaultLoop.Start()
	}
	return defaultLoop
}

// SetDefaultThreadPool replaces the process-wide thread pool and returns
// the previous one (nil if never created). The caller owns shutting down
// the returned adapter.
func SetDefaultThreadPool(a substrate.Adapter) substrate.Adapter {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultThread
	defaultThread = a
	return prev
}

// SetDefaultProcessPool replaces the process-wide process pool, returning
// the previous one.
func SetDefaultProcessPool(a substrate.Adapter) substrate.Adapter {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultProcess
	defaultProcess = a
	return prev
}

// SetDefaultLoop replaces the process-wide loop, returning the previous
// one.
func SetDefaultLoop(l *loop.Loop) *loop.Loop {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultLoop
	defaultLoop = l
	return prev
}

// SubmitToThreadPool runs fn on the default thread pool.
func SubmitToThreadPool(fn substrate.Func) (*future.Future, error) {
	return DefaultThreadPool().Submit(fn)
}

// SubmitToProcessPool runs a registered Call on the default process pool.
func SubmitToProcessPool(c substrate.Call) (*future.Future, error) {
	return DefaultProcessPool().Submit(c)
}

// RunInLoop schedules plain work on the default loop.
func RunInLoop(w substrate.Work) (*future.Future, error) {
	return DefaultLoop().Submit(w)
}

// GoInLoop spawns a cooperative task on the default loop.
func GoInLoop(fn loop.TaskFunc) (*future.Future, error) {
	return DefaultLoop().Go(fn)
}

// WorkerInit is the process-pool worker entrypoint; see
// substrate.WorkerInit.
func WorkerInit() bool { return substrate.WorkerInit() }

// Shutdown releases whichever defaults were created, then forgets them so
// later use lazily recreates fresh ones. Idempotent like the adapters'
// own Shutdown.
func Shutdown(ctx context.Context, mode substrate.ShutdownMode) error {
	defaultMu.Lock()
	t, p, l := defaultThread, defaultProcess, defaultLoop
	defaultThread, defaultProcess, defaultLoop = nil, nil, nil
	defaultMu.Unlock()

	var adapters []substrate.Adapter
	if t != nil {
		adapters = append(adapters, t)
	}
	if p != nil {
		adapters = append(adapters, p)
	}
	if l != nil {
		adapters = append(adapters, l)
	}

	var first error
	for _, a := range adapters {
		if err := a.Shutdown(ctx, mode); err != nil && first == nil {
			first = err
		}
	}
	return first
}
