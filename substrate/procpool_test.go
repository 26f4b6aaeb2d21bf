package substrate

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/future"
)

// TestMain doubles as the worker entrypoint: the pool re-executes this test
// binary, and WorkerInit takes over in the child.
func TestMain(m *testing.M) {
	if WorkerInit() {
		return
	}
	os.Exit(m.Run())
}

func init() {
	RegisterTask("double", func(_ context.Context, args ...any) (any, error) {
		return args[0].(int) * 2, nil
	})
	RegisterTask("concat", func(_ context.Context, args ...any) (any, error) {
		s := ""
		for _, a := range args {
			s += a.(string)
		}
		return s, nil
	})
	RegisterTask("explode", func(_ context.Context, args ...any) (any, error) {
		return nil, fmt.Errorf("explode: %v", args[0])
	})
	RegisterTask("panics", func(_ context.Context, _ ...any) (any, error) {
		panic("worker-side panic")
	})
	RegisterTask("hang", func(_ context.Context, _ ...any) (any, error) {
		time.Sleep(time.Hour)
		return nil, nil
	})
	RegisterTask("badresult", func(_ context.Context, _ ...any) (any, error) {
		return make(chan int), nil
	})
}

func newTestProcPool(t *testing.T, opts ...Option) *ProcessPool {
	t.Helper()
	pp := NewProcessPool(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pp.Shutdown(ctx, ShutdownImmediate)
	})
	return pp
}

func TestProcessPoolSubmit(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		f, err := pp.Submit(NewCall("double", 21))
		require.NoError(t, err)

		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("MultipleArgs", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(2))
		f, err := pp.Submit(NewCall("concat", "a", "b", "c"))
		require.NoError(t, err)

		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "abc", v)
	})

	t.Run("WorkerErrorIsWorkError", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		f, err := pp.Submit(NewCall("explode", "reason"))
		require.NoError(t, err)

		_, err = f.Wait(context.Background())
		var we *future.WorkError
		require.ErrorAs(t, err, &we)
		assert.Contains(t, err.Error(), "explode: reason")
	})

	t.Run("WorkerPanicDelivered", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		f, err := pp.Submit(NewCall("panics"))
		require.NoError(t, err)

		_, err = f.Wait(context.Background())
		var we *future.WorkError
		require.ErrorAs(t, err, &we)
		assert.Contains(t, err.Error(), "worker-side panic")
	})

	t.Run("UnserializableResultReported", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		f, err := pp.Submit(NewCall("badresult"))
		require.NoError(t, err)

		_, err = f.Wait(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not serializable")
	})
}

func TestProcessPoolValidation(t *testing.T) {
	t.Run("ClosureRejected", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		f, err := pp.Submit(Func(func(context.Context) (any, error) { return nil, nil }))
		assert.ErrorIs(t, err, ErrUnserializable)
		assert.Nil(t, f)
	})

	t.Run("UnregisteredTaskRejected", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		_, err := pp.Submit(NewCall("no-such-task"))
		assert.ErrorIs(t, err, ErrUnknownTask)
	})

	t.Run("UnserializableArgumentRejected", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		_, err := pp.Submit(NewCall("double", make(chan int)))
		assert.ErrorIs(t, err, ErrUnserializable)
	})

	t.Run("NilWorkRejected", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		_, err := pp.Submit(nil)
		assert.ErrorIs(t, err, ErrNilWork)
	})
}

func TestProcessPoolCancel(t *testing.T) {
	t.Run("RunningWorkPreempted", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		f, err := pp.Submit(NewCall("hang"))
		require.NoError(t, err)

		// Give the worker process time to pick it up.
		require.Eventually(t, func() bool {
			return f.State() == future.Running
		}, 10*time.Second, 10*time.Millisecond)

		assert.True(t, f.Cancel(), "process pool supports preemption")
		_, err = f.Wait(context.Background())
		assert.ErrorIs(t, err, future.ErrCancelled)

		// The slot respawns and keeps serving.
		f2, err := pp.Submit(NewCall("double", 5))
		require.NoError(t, err)
		v, err := f2.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10, v)
	})

	t.Run("QueuedCancelNeverSpawnsWork", func(t *testing.T) {
		pp := newTestProcPool(t, WithWidth(1))
		hang, err := pp.Submit(NewCall("hang"))
		require.NoError(t, err)

		queued, err := pp.Submit(NewCall("double", 1))
		require.NoError(t, err)
		assert.True(t, queued.Cancel())
		assert.Equal(t, future.Cancelled, queued.State())

		assert.True(t, hang.Cancel())
	})
}

func TestProcessPoolShutdown(t *testing.T) {
	t.Run("GracefulDrains", func(t *testing.T) {
		pp := NewProcessPool(WithWidth(1))
		f, err := pp.Submit(NewCall("double", 3))
		require.NoError(t, err)
		_, err = f.Wait(context.Background())
		require.NoError(t, err)

		require.NoError(t, pp.Shutdown(context.Background(), ShutdownGraceful))
		_, err = pp.Submit(NewCall("double", 4))
		assert.ErrorIs(t, err, ErrShutdown)

		// Idempotent.
		require.NoError(t, pp.Shutdown(context.Background(), ShutdownGraceful))
	})

	t.Run("ImmediateKillsInFlight", func(t *testing.T) {
		pp := NewProcessPool(WithWidth(1))
		f, err := pp.Submit(NewCall("hang"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return f.State() == future.Running
		}, 10*time.Second, 10*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, pp.Shutdown(ctx, ShutdownImmediate))

		_, err = f.Wait(context.Background())
		assert.ErrorIs(t, err, future.ErrCancelled)
	})
}

func TestRegisterTaskValidation(t *testing.T) {
	assert.Panics(t, func() { RegisterTask("", func(context.Context, ...any) (any, error) { return nil, nil }) })
	assert.Panics(t, func() { RegisterTask("nilfn", nil) })
	assert.Panics(t, func() {
		RegisterTask("double", func(context.Context, ...any) (any, error) { return nil, nil })
	})
}

func TestCallRunsLocally(t *testing.T) {
	// A Call is ordinary Work for in-process substrates too.
	v, err := NewCall("double", 8).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, v)

	_, err = NewCall("missing").Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownTask)
}
