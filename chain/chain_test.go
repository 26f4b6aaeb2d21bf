package chain

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/future"
	"github.com/weftworks/weft/substrate"
)

// countingAdapter wraps a thread pool and counts submissions.
type countingAdapter struct {
	substrate.Adapter
	submits atomic.Int64
}

func newCountingAdapter(t *testing.T, width int) *countingAdapter {
	t.Helper()
	tp := substrate.NewThreadPool(substrate.WithWidth(width))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background(), substrate.ShutdownImmediate)
	})
	return &countingAdapter{Adapter: tp}
}

func (c *countingAdapter) Submit(w substrate.Work) (*future.Future, error) {
	c.submits.Add(1)
	return c.Adapter.Submit(w)
}

func double(n int) (int, error) { return n * 2, nil }

func TestChainRun(t *testing.T) {
	ctx := context.Background()

	t.Run("MapOrdered", func(t *testing.T) {
		out, err := New().
			Map(MapOf(double), Width(2)).
			Run(ctx, Items(1, 2, 3, 4))
		require.NoError(t, err)
		assert.Equal(t, Items(2, 4, 6, 8), out)
	})

	t.Run("OrderSurvivesRandomLatency", func(t *testing.T) {
		in := make([]any, 40)
		want := make([]any, 40)
		for i := range in {
			in[i] = i
			want[i] = i + 1
		}
		out, err := New().
			Map(MapOf(func(n int) (int, error) {
				time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
				return n + 1, nil
			}), Width(8)).
			Run(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, want, out)
	})

	t.Run("FilterDropsWithoutRenumbering", func(t *testing.T) {
		out, err := New().
			Filter(FilterOf(func(n int) (bool, error) { return n%2 == 0, nil })).
			Map(MapOf(double)).
			Run(ctx, Items(1, 2, 3, 4, 5, 6))
		require.NoError(t, err)
		assert.Equal(t, Items(4, 8, 12), out)
	})

	t.Run("ZeroStagesIdentity", func(t *testing.T) {
		out, err := New().Run(ctx, Items("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, Items("a", "b"), out)
	})

	t.Run("EmptyInputNoSubmissions", func(t *testing.T) {
		a := newCountingAdapter(t, 2)
		out, err := New().
			Map(MapOf(double), On(a)).
			Run(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Zero(t, a.submits.Load())
	})

	t.Run("SharedAdapterSurvivesRun", func(t *testing.T) {
		a := newCountingAdapter(t, 4)
		out, err := New().
			Map(MapOf(double), On(a)).
			Run(ctx, Items(1, 2, 3))
		require.NoError(t, err)
		assert.Equal(t, Items(2, 4, 6), out)
		assert.EqualValues(t, 3, a.submits.Load())

		// Still usable after the run.
		f, err := a.Submit(substrate.Func(func(context.Context) (any, error) { return "alive", nil }))
		require.NoError(t, err)
		v, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "alive", v)
	})

	t.Run("WrongElementType", func(t *testing.T) {
		_, err := New().
			Map(MapOf(double)).
			Run(ctx, Items[any]("oops"))
		var ce *Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 0, ce.Pos)
	})
}

func TestChainFailFast(t *testing.T) {
	ctx := context.Background()

	t.Run("LowestPositionWins", func(t *testing.T) {
		boom := errors.New("boom at two")
		_, err := New().
			Map(MapOf(func(n int) (int, error) {
				if n == 2 {
					return 0, boom
				}
				// Let later positions finish before the failure lands.
				if n > 2 {
					return n, nil
				}
				time.Sleep(30 * time.Millisecond)
				return n, nil
			}), Width(5)).
			Run(ctx, Items(0, 1, 2, 3, 4))

		var ce *Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 2, ce.Pos)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("PredicateErrorIsWorkError", func(t *testing.T) {
		bad := errors.New("bad predicate")
		_, err := New().
			Filter(FilterOf(func(int) (bool, error) { return false, bad })).
			Run(ctx, Items(1))

		var ce *Error
		require.ErrorAs(t, err, &ce)
		var we *future.WorkError
		assert.ErrorAs(t, err, &we)
		assert.ErrorIs(t, err, bad)
	})

	t.Run("QueuedSiblingsCancelled", func(t *testing.T) {
		boom := errors.New("first fails")
		var ran atomic.Int64
		start := time.Now()
		_, err := New().
			Map(MapOf(func(n int) (int, error) {
				if n == 0 {
					return 0, boom
				}
				ran.Add(1)
				time.Sleep(20 * time.Millisecond)
				return n, nil
			}), Width(1)).
			Run(ctx, itemsRange(50))

		var ce *Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 0, ce.Pos)
		// Width 1 plus fail-fast: the run must end long before all 50
		// elements could have been executed serially.
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Less(t, ran.Load(), int64(25))
	})
}

func itemsRange(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestChainStream(t *testing.T) {
	ctx := context.Background()

	t.Run("PullInOrder", func(t *testing.T) {
		rs := New().
			Map(MapOf(double), Width(3)).
			Stream(ctx, Items(1, 2, 3))
		for _, want := range []int{2, 4, 6} {
			v, err := rs.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, v)
		}
		_, err := rs.Next(ctx)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("NextTimeout", func(t *testing.T) {
		release := make(chan struct{})
		rs := New().
			Map(MapOf(func(n int) (int, error) {
				<-release
				return n, nil
			})).
			Stream(ctx, Items(1))
		defer rs.release()
		defer close(release)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := rs.Next(short)
		assert.ErrorIs(t, err, future.ErrTimeout)
	})
}

func TestChainReduce(t *testing.T) {
	ctx := context.Background()

	t.Run("FoldsInOrder", func(t *testing.T) {
		got, err := New().
			Map(MapOf(func(n int) (string, error) { return string(rune('a' + n)), nil }), Width(4)).
			Reduce(ctx, Items(0, 1, 2, 3), "", func(acc, v any) (any, error) {
				return acc.(string) + v.(string), nil
			})
		require.NoError(t, err)
		assert.Equal(t, "abcd", got)
	})

	t.Run("FoldError", func(t *testing.T) {
		bad := errors.New("fold failed")
		_, err := New().
			Map(MapOf(double)).
			Reduce(ctx, Items(1, 2), 0, func(any, any) (any, error) {
				return nil, bad
			})
		assert.ErrorIs(t, err, bad)
	})
}

func TestChainRunSerial(t *testing.T) {
	ctx := context.Background()

	t.Run("MatchesRun", func(t *testing.T) {
		c := New().
			Map(MapOf(double)).
			Filter(FilterOf(func(n int) (bool, error) { return n > 4, nil }))
		in := Items(1, 2, 3, 4, 5)

		parallel, err := c.Run(ctx, in)
		require.NoError(t, err)
		serial, err := c.RunSerial(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, parallel, serial)
	})

	t.Run("PositionedError", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := New().
			Map(MapOf(func(n int) (int, error) {
				if n == 3 {
					return 0, boom
				}
				return n, nil
			})).
			RunSerial(ctx, Items(1, 2, 3))
		var ce *Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 2, ce.Pos)
		assert.ErrorIs(t, err, boom)
	})
}

func TestChainImmutability(t *testing.T) {
	base := New(DefaultWidth(2)).Map(MapOf(double))
	withFilter := base.Filter(FilterOf(func(n int) (bool, error) { return n > 2, nil }))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, withFilter.Len())

	ctx := context.Background()
	out, err := base.Run(ctx, Items(1, 2))
	require.NoError(t, err)
	assert.Equal(t, Items(2, 4), out)

	out, err = withFilter.Run(ctx, Items(1, 2))
	require.NoError(t, err)
	assert.Equal(t, Items(4), out)
}
