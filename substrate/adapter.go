// Package substrate implements the execution backends behind the shared
// task handle: a bounded goroutine pool and a bounded worker-process pool.
// Both honor the same Adapter contract, so callers submit work and collect
// results without caring which substrate runs it. The cooperative loop in
// package loop satisfies the same contract.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftworks/weft/future"
)

var (
	// ErrShutdown is returned for submissions to a shut-down adapter, and
	// is the stored error of handles whose work was still queued when
	// shutdown began.
	ErrShutdown = errors.New("adapter shut down")

	// ErrNilWork is returned synchronously for invalid submissions; no
	// handle is created.
	ErrNilWork = errors.New("work must not be nil")

	// ErrUnserializable marks work or arguments that cannot cross the
	// process boundary. Submission fails immediately; no worker process
	// is ever invoked.
	ErrUnserializable = errors.New("work cannot be serialized across the process boundary")

	// ErrShutdownTimeout is returned when Shutdown's context expires
	// before the adapter finished winding down.
	ErrShutdownTimeout = errors.New("shutdown deadline reached")
)

// Work is one unit of background work. Run receives the owning adapter's
// context, which is cancelled on immediate shutdown; well-behaved work
// observes it.
type Work interface {
	Run(ctx context.Context) (any, error)
}

// Func adapts a closure to Work. Closures cannot be submitted to a process
// pool; use Call there instead.
type Func func(ctx context.Context) (any, error)

func (f Func) Run(ctx context.Context) (any, error) { return f(ctx) }

// ShutdownMode selects what happens to in-flight work when an adapter is
// released. Queued-but-unstarted work fails with ErrShutdown in either
// mode.
type ShutdownMode int

const (
	// ShutdownGraceful lets in-flight work finish and rejects new
	// submissions.
	ShutdownGraceful ShutdownMode = iota

	// ShutdownImmediate additionally cancels in-flight work, best-effort.
	ShutdownImmediate
)

// Adapter is the common submission contract shared by the thread pool, the
// process pool and the cooperative loop.
//
// Submit is always non-blocking: it returns a Pending handle immediately,
// or an error (never a handle) for invalid input or a shut-down adapter.
// Items queued on one adapter start in FIFO order; completion order is
// unspecified. Shutdown is idempotent: the second call is a no-op.
type Adapter interface {
	Submit(w Work) (*future.Future, error)
	Shutdown(ctx context.Context, mode ShutdownMode) error
	Width() int
}

// Option configures an adapter at construction time.
type Option func(*config)

type config struct {
	width          int
	limiter        *rate.Limiter
	defaultTimeout time.Duration
}

func newConfig(opts ...Option) config {
	cfg := config{width: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithWidth sets the concurrency width: the number of worker goroutines or
// worker processes. Defaults to runtime.GOMAXPROCS(0).
func WithWidth(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.width = n
		}
	}
}

// WithRateLimit throttles task starts to perSecond with the given burst.
// Useful when the work hits an external service. No limit by default.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cfg *config) {
		if perSecond > 0 && burst > 0 {
			cfg.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithDefaultTimeout sets the adapter's default wait deadline. Handles the
// adapter issues apply it to Wait calls that carry no deadline of their
// own; WaitTimeout and deadline-bearing contexts override it. Zero means
// wait forever.
func WithDefaultTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.defaultTimeout = d
		}
	}
}

// runWork executes w. Errors the work returns, and panics it raises, come
// back as WorkError uniformly, whichever substrate is running it; the
// original error stays reachable through Unwrap.
func runWork(ctx context.Context, w Work) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = future.NewWorkError(fmt.Errorf("work panic: %v\nstack trace:\n%s", r, buf[:n]))
		}
	}()
	v, err = w.Run(ctx)
	if err != nil {
		err = future.NewWorkError(err)
	}
	return v, err
}

// waitUntil blocks until done is closed or ctx expires.
func waitUntil(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}
