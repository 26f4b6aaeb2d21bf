package substrate

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrUnknownTask is returned when a Call names a function that was never
// registered with RegisterTask.
var ErrUnknownTask = errors.New("task not registered")

// TaskFunc is a named function runnable in a worker process. Arguments and
// the result must be gob-encodable; RegisterType any custom types they use.
type TaskFunc func(ctx context.Context, args ...any) (any, error)

var (
	regMu    sync.RWMutex
	registry = map[string]TaskFunc{}
)

// RegisterTask registers fn under name on this side of the process
// boundary. Pool host and workers are the same binary, so registering in an
// init function or early in main covers both. Panics on empty names, nil
// functions and duplicates, all of which are programming errors.
func RegisterTask(name string, fn TaskFunc) {
	if name == "" {
		panic("substrate: task name must not be empty")
	}
	if fn == nil {
		panic("substrate: task function must not be nil")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("substrate: task %q registered twice", name))
	}
	registry[name] = fn
}

func lookupTask(name string) (TaskFunc, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// RegisterType makes a concrete type usable as a Call argument or result.
// Thin wrapper over gob.Register so callers don't import encoding/gob
// themselves.
func RegisterType(v any) { gob.Register(v) }

func init() {
	// Base types usable as arguments and results without extra
	// registration.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// Call is the Work variant that can cross the process boundary: a
// registered task name plus captured arguments. A Call also runs on the
// thread pool or the loop, where it executes in-process.
type Call struct {
	Name string
	Args []any
}

// NewCall captures a task invocation. The arguments are held as submitted
// and consumed exactly once by the worker that runs the call.
func NewCall(name string, args ...any) Call {
	return Call{Name: name, Args: args}
}

// Run executes the named task in the current process.
func (c Call) Run(ctx context.Context) (any, error) {
	fn, ok := lookupTask(c.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, c.Name)
	}
	return fn(ctx, c.Args...)
}

// asCall extracts the serializable Call from w, if any.
func asCall(w Work) (Call, bool) {
	switch c := w.(type) {
	case Call:
		return c, true
	case *Call:
		return *c, true
	default:
		return Call{}, false
	}
}

// checkSerializable trial-encodes the request a Call would produce. Run at
// submission time so unserializable arguments fail before any worker
// process is involved.
func checkSerializable(c Call) error {
	enc := gob.NewEncoder(io.Discard)
	if err := enc.Encode(&procRequest{Name: c.Name, Args: c.Args}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnserializable, err)
	}
	return nil
}
