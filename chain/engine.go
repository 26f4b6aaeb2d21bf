package chain

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/weftworks/weft/future"
	"github.com/weftworks/weft/substrate"
)

// item is one element in flight, keyed by its original input position.
// Dropped items (filtered out) keep flowing downstream as tombstones so the
// collector can account for every position.
type item struct {
	pos     int
	v       any
	dropped bool
}

// stageOut crosses a substrate boundary: the element's new value, or the
// verdict of a filter stage.
type stageOut struct {
	v    any
	keep bool
}

// run is the shared state of one chain execution.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	failures map[int]error
	inflight map[uint64]*future.Future
	aborted  bool
}

func newRun(ctx context.Context) *run {
	ctx, cancel := context.WithCancel(ctx)
	return &run{
		ctx:      ctx,
		cancel:   cancel,
		failures: map[int]error{},
		inflight: map[uint64]*future.Future{},
	}
}

// fail records a positioned failure. The first one aborts the run:
// the shared context is cancelled and every outstanding handle across all
// stages is cancelled best-effort.
func (r *run) fail(pos int, err error) {
	r.mu.Lock()
	if _, dup := r.failures[pos]; !dup {
		r.failures[pos] = err
	}
	first := !r.aborted
	r.aborted = true
	var outstanding []*future.Future
	if first {
		for _, f := range r.inflight {
			outstanding = append(outstanding, f)
		}
	}
	r.mu.Unlock()

	if first {
		r.cancel()
		for _, f := range outstanding {
			f.Cancel()
		}
	}
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// firstError picks the failure lowest by input position, independent of
// completion order.
func (r *run) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := -1
	for pos := range r.failures {
		if best < 0 || pos < best {
			best = pos
		}
	}
	if best < 0 {
		return nil
	}
	return &Error{Pos: best, Err: r.failures[best]}
}

func (r *run) track(f *future.Future) {
	r.mu.Lock()
	r.inflight[f.ID()] = f
	r.mu.Unlock()
}

func (r *run) untrack(f *future.Future) {
	r.mu.Lock()
	delete(r.inflight, f.ID())
	r.mu.Unlock()
}

// Stream starts the run and returns a lazy, pull-based view of the output,
// released in strictly increasing input-position order. The caller must
// drain it (to io.EOF or an error) or cancel ctx, so per-run pools get shut
// down.
func (c *Chain) Stream(ctx context.Context, in []any) *Results {
	r := newRun(ctx)

	src := make(chan item)
	go func() {
		defer close(src)
		for i, v := range in {
			select {
			case src <- item{pos: i, v: v}:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	var cleanups []func()
	cur := src
	for _, st := range c.stages {
		adapter := st.adapter
		if adapter == nil {
			// The original executor lifecycle: a fresh pool per
			// stage per run, released when the run drains.
			tp := substrate.NewThreadPool(substrate.WithWidth(st.width))
			adapter = tp
			cleanups = append(cleanups, func() {
				_ = tp.Shutdown(context.Background(), substrate.ShutdownImmediate)
			})
		}
		out := make(chan item)
		go r.runStage(st, adapter, cur, out)
		cur = out
	}

	ordered := make(chan item)
	go r.collect(cur, ordered)

	return &Results{r: r, ch: ordered, cleanups: cleanups}
}

// runStage drives one stage: a sliding window of at most width in-flight
// handles; a freed slot immediately admits the next element from upstream.
func (r *run) runStage(st stage, adapter substrate.Adapter, in <-chan item, out chan<- item) {
	sem := semaphore.NewWeighted(int64(st.width))
	var wg sync.WaitGroup

	for it := range in {
		if it.dropped {
			r.forward(out, it)
			continue
		}
		if r.isAborted() {
			continue // drain upstream without submitting
		}
		if err := sem.Acquire(r.ctx, 1); err != nil {
			continue
		}

		f, err := adapter.Submit(st.work(it.v))
		if err != nil {
			sem.Release(1)
			r.fail(it.pos, err)
			continue
		}
		r.track(f)
		wg.Add(1)

		pos := it.pos
		f.OnDone(func(f *future.Future) {
			defer wg.Done()
			defer sem.Release(1)
			r.untrack(f)

			v, err := f.Wait(context.Background())
			switch {
			case errors.Is(err, future.ErrCancelled):
				// A sibling failed first; nothing to record.
			case err != nil:
				r.fail(pos, err)
			default:
				so := v.(stageOut)
				r.forward(out, item{pos: pos, v: so.v, dropped: !so.keep})
			}
		})
	}

	wg.Wait()
	close(out)
}

// work wraps the stage function as a substrate Work item producing a
// stageOut. Filter errors count as work failures at that position; the
// pool wraps them as WorkError like any other work failure.
func (st stage) work(v any) substrate.Work {
	switch st.kind {
	case stageFilter:
		return substrate.Func(func(ctx context.Context) (any, error) {
			keep, err := st.pred(ctx, v)
			if err != nil {
				return nil, err
			}
			return stageOut{v: v, keep: keep}, nil
		})
	default:
		return substrate.Func(func(ctx context.Context) (any, error) {
			mapped, err := st.mapFn(ctx, v)
			if err != nil {
				return nil, err
			}
			return stageOut{v: mapped, keep: true}, nil
		})
	}
}

func (r *run) forward(out chan<- item, it item) {
	select {
	case out <- it:
	case <-r.ctx.Done():
	}
}

// collect buffers completed items by position and releases them strictly in
// increasing position order. A fast-finishing element is held until all
// lower positions have settled; the hold is bounded only by memory, since
// the stage windows already cap how far execution runs ahead.
func (r *run) collect(in <-chan item, out chan<- item) {
	defer close(out)
	next := 0
	var h itemHeap
	for it := range in {
		if r.isAborted() {
			continue // keep draining so stages can wind down
		}
		heap.Push(&h, it)
		for h.Len() > 0 && h[0].pos == next {
			head := heap.Pop(&h).(item)
			next++
			select {
			case out <- head:
			case <-r.ctx.Done():
			}
		}
	}
}

type itemHeap []item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].pos < h[j].pos }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)         { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Results is the lazy output of a chain run. Single consumer; Next must not
// be called concurrently.
type Results struct {
	r        *run
	ch       <-chan item
	cleanups []func()
	once     sync.Once
}

// Next returns the next surviving element in input order, io.EOF when the
// run drained cleanly, or the run's positioned error. A ctx deadline expiry
// returns future.ErrTimeout without consuming anything.
func (rs *Results) Next(ctx context.Context) (any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, future.ErrTimeout
		case it, ok := <-rs.ch:
			if !ok {
				rs.release()
				if err := rs.r.firstError(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			if it.dropped {
				continue
			}
			return it.v, nil
		}
	}
}

// release shuts down per-run pools; safe to call repeatedly.
func (rs *Results) release() {
	rs.once.Do(func() {
		rs.r.cancel()
		for _, fn := range rs.cleanups {
			fn()
		}
	})
}

// Run executes the chain eagerly and returns the full output sequence in
// input order. An empty input yields an empty output with no submissions; a
// zero-stage chain is the identity.
func (c *Chain) Run(ctx context.Context, in []any) ([]any, error) {
	rs := c.Stream(ctx, in)
	defer rs.release()

	out := make([]any, 0, len(in))
	for {
		v, err := rs.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// Reduce executes the chain and folds the ordered output into a single
// value, starting from init. The fold itself runs in the calling goroutine:
// order is already guaranteed, so there is nothing to parallelize.
func (c *Chain) Reduce(ctx context.Context, in []any, init any, fn ReduceFunc) (any, error) {
	rs := c.Stream(ctx, in)
	defer rs.release()

	acc := init
	for {
		v, err := rs.Next(ctx)
		if err == io.EOF {
			return acc, nil
		}
		if err != nil {
			return nil, err
		}
		if acc, err = fn(acc, v); err != nil {
			return nil, err
		}
	}
}

// RunSerial executes the chain in the calling goroutine with no pools at
// all. Meant for tests and debugging; semantics match Run, including the
// positioned error.
func (c *Chain) RunSerial(ctx context.Context, in []any) ([]any, error) {
	out := make([]any, 0, len(in))
	for pos, v := range in {
		if err := ctx.Err(); err != nil {
			return nil, future.ErrTimeout
		}
		keep := true
		cur := v
		for _, st := range c.stages {
			switch st.kind {
			case stageFilter:
				k, err := st.pred(ctx, cur)
				if err != nil {
					return nil, &Error{Pos: pos, Err: future.NewWorkError(err)}
				}
				keep = k
			default:
				mapped, err := st.mapFn(ctx, cur)
				if err != nil {
					return nil, &Error{Pos: pos, Err: future.NewWorkError(err)}
				}
				cur = mapped
			}
			if !keep {
				break
			}
		}
		if keep {
			out = append(out, cur)
		}
	}
	return out, nil
}
