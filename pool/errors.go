package pool

import "errors"

var (
	// ErrPoolNotStarted indicates Submit was called before Start.
	ErrPoolNotStarted = errors.New("ferry: worker pool not started")

	// ErrPoolAlreadyStarted indicates Start was called twice.
	ErrPoolAlreadyStarted = errors.New("ferry: worker pool already started")

	// ErrPoolClosed indicates the pool is shutting down or shut down. Jobs still
	// queued when a cancelling shutdown begins are aborted with it.
	ErrPoolClosed = errors.New("ferry: worker pool closed")

	// ErrQueueFull indicates a fail-fast submission found the queue at capacity.
	ErrQueueFull = errors.New("ferry: worker pool queue full")

	// ErrNilJob indicates a nil job was submitted.
	ErrNilJob = errors.New("ferry: nil job")

	// ErrShutdownTimeout indicates workers did not stop before the shutdown context ended.
	ErrShutdownTimeout = errors.New("ferry: timeout waiting for workers to stop")
)
