package future

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by a Wait whose deadline elapsed before the
	// handle settled. The handle itself is unchanged.
	ErrTimeout = errors.New("wait deadline elapsed")

	// ErrCancelled is the stored error of a Cancelled handle.
	ErrCancelled = errors.New("work cancelled")
)

// WorkError marks a failure raised by the wrapped callable itself, as
// opposed to an adapter-level condition such as shutdown or cancellation.
// It unwraps to the original error so errors.Is and errors.As see through
// it.
type WorkError struct {
	Err error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("work failed: %v", e.Err)
}

func (e *WorkError) Unwrap() error { return e.Err }

// NewWorkError wraps err, avoiding double wrapping when err already is a
// WorkError.
func NewWorkError(err error) *WorkError {
	var we *WorkError
	if errors.As(err, &we) {
		return we
	}
	return &WorkError{Err: err}
}
