// Package task provides Handle, a waitable and cancellable reference to the
// outcome of a unit of work, and Resolver, its producer side.
package task

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the consumer view of a unit of work. Callers may read its state,
// request cancellation, register completion callbacks and wait.
// Once terminal, state, value and error never change.
type Handle[T any] struct {
	id string

	mu              sync.Mutex
	state           State
	val             T
	err             error
	cancelRequested bool
	callbacks       []func()

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Resolver is the producer view of a Handle. Only the component that created
// the pair drives state transitions.
type Resolver[T any] struct {
	h *Handle[T]
}

// New returns a pending handle and its resolver. The work context derives from
// parent and is cancelled when the handle is cancelled or settles.
func New[T any](parent context.Context) (*Handle[T], Resolver[T]) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle[T]{
		id:     uuid.NewString(),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	return h, Resolver[T]{h: h}
}

// Resolved returns a handle that is already terminal: Completed when err is
// nil, Failed otherwise.
func Resolved[T any](v T, err error) *Handle[T] {
	h, r := New[T](context.Background())
	r.Resolve(v, err)
	return h
}

func (h *Handle[T]) ID() string { return h.id }

func (h *Handle[T]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the handle becomes terminal.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// CancelRequested reports whether Cancel was called while the work was running.
func (h *Handle[T]) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// Peek returns the outcome without waiting. ok is false while the handle is
// not terminal.
func (h *Handle[T]) Peek() (v T, err error, ok bool) {
	select {
	case <-h.done:
		v, err = h.result()
		return v, err, true
	default:
		return v, nil, false
	}
}

// OnDone registers fn to run once the handle is terminal. If it already is,
// fn runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that settles the handle.
func (h *Handle[T]) OnDone(fn func()) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		fn()
		return
	}
	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
}

// Cancel requests cancellation. A pending handle becomes Cancelled at once.
// For running work the request is cooperative: the work context is cancelled
// and the work may still complete normally. Cancel reports false when the
// handle was already terminal.
func (h *Handle[T]) Cancel() bool {
	h.mu.Lock()
	switch {
	case h.state.Terminal():
		h.mu.Unlock()
		return false
	case h.state == Pending:
		var zero T
		h.finishLocked(Cancelled, zero, ErrCancelled)
		return true
	default:
		h.cancelRequested = true
		h.mu.Unlock()
		h.cancel()
		return true
	}
}

// Await waits for the handle to settle and returns its outcome.
//
// A terminal handle returns immediately. A timeout <= 0 waits indefinitely.
// When the timeout elapses first, the handle is cancelled (best effort) and a
// *TimeoutError is returned. When ctx is done first, the handle is cancelled
// and ctx.Err() is returned.
func (h *Handle[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	select {
	case <-h.done:
		return h.result()
	default:
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var zero T
	select {
	case <-h.done:
		return h.result()
	case <-expired:
		if !h.Cancel() {
			return h.result()
		}
		return zero, &TimeoutError{TaskID: h.id, After: timeout}
	case <-ctx.Done():
		h.Cancel()
		return zero, ctx.Err()
	}
}

// Wait is Await without a timeout, discarding the value.
func (h *Handle[T]) Wait(ctx context.Context) error {
	_, err := h.Await(ctx, 0)
	return err
}

func (h *Handle[T]) result() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Cancelled {
		var zero T
		return zero, h.err
	}
	return h.val, h.err
}

// finishLocked moves the handle to a terminal state. It must be called with
// h.mu held and releases it.
func (h *Handle[T]) finishLocked(state State, v T, err error) {
	h.state = state
	h.val = v
	h.err = err
	callbacks := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	h.cancel()
	for _, fn := range callbacks {
		fn()
	}
}

// Context returns the work context. It is cancelled on Cancel and once the
// handle settles.
func (r Resolver[T]) Context() context.Context { return r.h.ctx }

// Handle returns the consumer view.
func (r Resolver[T]) Handle() *Handle[T] { return r.h }

// Start moves a pending handle to Running. It reports false if the handle was
// cancelled before the work began, in which case the work must not run.
func (r Resolver[T]) Start() bool {
	h := r.h
	h.mu.Lock()
	if h.state != Pending {
		h.mu.Unlock()
		return false
	}
	if h.ctx.Err() != nil {
		var zero T
		h.finishLocked(Cancelled, zero, cancelledBy(context.Cause(h.ctx)))
		return false
	}
	h.state = Running
	h.mu.Unlock()
	return true
}

// Resolve settles the handle with the work's outcome. Work that returns a
// cancellation error after cancellation was requested settles as Cancelled.
// Resolve reports false if the handle was already terminal.
func (r Resolver[T]) Resolve(v T, err error) bool {
	h := r.h
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false
	}
	switch {
	case err == nil:
		h.finishLocked(Completed, v, nil)
	case errors.Is(err, context.Canceled) && (h.cancelRequested || h.ctx.Err() != nil):
		var zero T
		h.finishLocked(Cancelled, zero, ErrCancelled)
	default:
		h.finishLocked(Failed, v, err)
	}
	return true
}

// Abort force-cancels the handle with cause, whatever its progress.
func (r Resolver[T]) Abort(cause error) bool {
	h := r.h
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false
	}
	var zero T
	h.finishLocked(Cancelled, zero, cancelledBy(cause))
	return true
}

// Invoke runs fn, converting a panic into a *PanicError.
func Invoke[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			v, err = zero, &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Go runs fn on a new goroutine and returns its handle.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Handle[T] {
	h, r := New[T](ctx)
	go func() {
		if !r.Start() {
			return
		}
		r.Resolve(Invoke(r.Context(), fn))
	}()
	return h
}
