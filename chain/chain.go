// Package chain composes stages of parallel elementwise work over a
// sequence. Each stage runs its elements concurrently up to a configured
// width on some substrate adapter, while the engine preserves the original
// input order in the output and aborts the whole run on the first failure
// by input position.
//
//	out, err := chain.New().
//	    Map(chain.MapOf(func(n int) (int, error) { return n * 2, nil })).
//	    Filter(chain.FilterOf(func(n int) (bool, error) { return n > 2, nil })).
//	    Run(ctx, chain.Items(1, 2, 3, 4))
//
// A Chain is immutable once built: Map and Filter return derived chains,
// and every execution is an independent run sharing no state with others.
package chain

import (
	"context"
	"fmt"
	"runtime"

	"github.com/weftworks/weft/substrate"
)

// MapFunc transforms one element.
type MapFunc func(ctx context.Context, v any) (any, error)

// PredFunc decides whether one element is kept.
type PredFunc func(ctx context.Context, v any) (bool, error)

// ReduceFunc folds one element into the accumulator.
type ReduceFunc func(acc, v any) (any, error)

// Error reports the chain run's failure: the lowest failing input position
// and, via Unwrap, the original error exactly as the stage produced it.
type Error struct {
	Pos int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain element %d: %v", e.Pos, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type stageKind int

const (
	stageMap stageKind = iota
	stageFilter
)

// stage is one immutable stage descriptor.
type stage struct {
	kind    stageKind
	mapFn   MapFunc
	pred    PredFunc
	width   int
	adapter substrate.Adapter
}

// Chain is an ordered, immutable list of stage descriptors. The zero-stage
// chain is the identity function.
type Chain struct {
	stages       []stage
	defaultWidth int
}

// Option configures a chain at construction time.
type Option func(*Chain)

// DefaultWidth sets the width used by stages that don't set their own.
// Defaults to runtime.GOMAXPROCS(0).
func DefaultWidth(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.defaultWidth = n
		}
	}
}

// StageOption configures one stage.
type StageOption func(*stage)

// Width caps the stage's in-flight elements.
func Width(n int) StageOption {
	return func(s *stage) {
		if n > 0 {
			s.width = n
		}
	}
}

// On runs the stage on an existing adapter instead of a fresh per-run
// thread pool. The adapter is shared property of the caller; the run never
// shuts it down.
func On(a substrate.Adapter) StageOption {
	return func(s *stage) { s.adapter = a }
}

// New creates an empty chain.
func New(opts ...Option) *Chain {
	c := &Chain{defaultWidth: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Map appends a transform stage, returning a derived chain.
func (c *Chain) Map(fn MapFunc, opts ...StageOption) *Chain {
	return c.append(stage{kind: stageMap, mapFn: fn}, opts)
}

// Filter appends a predicate stage. Dropped elements vacate their position
// in the output; remaining positions are not renumbered. A predicate error
// is treated like any elementwise work failure at that position.
func (c *Chain) Filter(pred PredFunc, opts ...StageOption) *Chain {
	return c.append(stage{kind: stageFilter, pred: pred}, opts)
}

func (c *Chain) append(s stage, opts []StageOption) *Chain {
	s.width = c.defaultWidth
	for _, opt := range opts {
		opt(&s)
	}
	stages := make([]stage, len(c.stages), len(c.stages)+1)
	copy(stages, c.stages)
	return &Chain{
		stages:       append(stages, s),
		defaultWidth: c.defaultWidth,
	}
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

// Items is sugar for building the input sequence.
func Items[T any](vs ...T) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// MapOf adapts a typed transform to a MapFunc. An element of the wrong
// dynamic type fails that position.
func MapOf[A, B any](fn func(A) (B, error)) MapFunc {
	return func(_ context.Context, v any) (any, error) {
		a, ok := v.(A)
		if !ok {
			var zero A
			return nil, fmt.Errorf("chain: element is %T, want %T", v, zero)
		}
		return fn(a)
	}
}

// FilterOf adapts a typed predicate to a PredFunc.
func FilterOf[A any](fn func(A) (bool, error)) PredFunc {
	return func(_ context.Context, v any) (bool, error) {
		a, ok := v.(A)
		if !ok {
			var zero A
			return false, fmt.Errorf("chain: element is %T, want %T", v, zero)
		}
		return fn(a)
	}
}

// Collect asserts every element of an output sequence back to T.
func Collect[T any](vs []any) ([]T, error) {
	out := make([]T, len(vs))
	for i, v := range vs {
		t, ok := v.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("chain: element %d is %T, want %T", i, v, zero)
		}
		out[i] = t
	}
	return out, nil
}
