package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled is reported by a handle that reached the Cancelled state.
	// It matches context.Canceled.
	ErrCancelled = fmt.Errorf("ferry: task cancelled: %w", context.Canceled)

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("ferry: await timed out")
)

// TimeoutError is returned by Await when the timeout elapses before the handle
// settles. It matches ErrTimeout and context.DeadlineExceeded, never the
// underlying operation's own errors.
type TimeoutError struct {
	TaskID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ferry: task %s not done after %v", e.TaskID, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// Timeout lets net.Error-style checks recognize the error.
func (e *TimeoutError) Timeout() bool { return true }

// PanicError reports a panic raised by a task body.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ferry: task panicked: %v", e.Value)
}

func cancelledBy(cause error) error {
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
