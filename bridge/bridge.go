// Package bridge connects blocking work and cooperative work: blocking
// functions run on the worker pool, cooperative ones on a loop, and both
// yield the same *task.Handle.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/loop"
	"github.com/aponysus/ferry/pool"
	"github.com/aponysus/ferry/task"
)

// Bridge submits work to an ExecutionContext.
type Bridge struct {
	ec *ExecutionContext
}

// New returns a Bridge over ec.
func New(ec *ExecutionContext) *Bridge {
	return &Bridge{ec: ec}
}

func (b *Bridge) ExecutionContext() *ExecutionContext { return b.ec }

type job[T any] struct {
	r  task.Resolver[T]
	fn func(context.Context) (T, error)
}

func (j *job[T]) Run(poolCtx context.Context) error {
	if !j.r.Start() {
		return nil
	}
	stop := context.AfterFunc(poolCtx, func() { j.r.Handle().Cancel() })
	defer stop()

	v, err := task.Invoke(j.r.Context(), j.fn)
	j.r.Resolve(v, err)
	return err
}

func (j *job[T]) Abort(err error) { j.r.Abort(err) }

// SubmitBlocking enqueues fn on the worker pool and returns its handle. fn
// receives a context that is cancelled when ctx ends, when the handle is
// cancelled, or when the pool is force-cancelled. If the pool rejects the job,
// the returned handle is already Failed with the pool's error. A pool that is
// closed or not started fails the handle with a classify.Permanent error, so
// retries stop at once; a full queue stays retryable.
func SubmitBlocking[T any](ctx context.Context, b *Bridge, fn func(context.Context) (T, error)) *task.Handle[T] {
	h, r := task.New[T](ctx)
	if err := b.ec.pool.Submit(ctx, &job[T]{r: r, fn: fn}); err != nil {
		if errors.Is(err, pool.ErrPoolClosed) || errors.Is(err, pool.ErrPoolNotStarted) {
			err = classify.Permanent(err)
		}
		var zero T
		r.Resolve(zero, err)
	}
	return h
}

// RunCooperatively schedules fn on the loop that owns ctx, or on the default
// loop when called from outside any coroutine. Work on the default loop is
// drained by ExecutionContext.Shutdown.
func RunCooperatively[T any](ctx context.Context, b *Bridge, fn loop.Func[T]) *task.Handle[T] {
	l, ok := loop.Current(ctx)
	if !ok {
		l = b.ec.loop
	}
	h := loop.Go(ctx, l, fn)
	if l == b.ec.loop {
		track(b.ec, h)
	}
	return h
}

// ToCooperative suspends the calling coroutine until h settles. The loop keeps
// running other work in the meantime.
func ToCooperative[T any](co *loop.Co, h *task.Handle[T]) (T, error) {
	return loop.Await(co, h)
}

// ToCooperativeTimeout is ToCooperative bounded by timeout.
func ToCooperativeTimeout[T any](co *loop.Co, h *task.Handle[T], timeout time.Duration) (T, error) {
	return loop.AwaitTimeout(co, h, timeout)
}

// ToBlocking runs fn cooperatively and blocks the caller until it settles.
//
// When the caller is itself running on the bridge's loop, blocking on that
// loop would deadlock, so fn runs on a separate loop driven by a new goroutine.
func ToBlocking[T any](ctx context.Context, b *Bridge, fn loop.Func[T]) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := b.ec.loop
	if cur, ok := loop.Current(ctx); ok && cur == l || l.Busy() {
		return loop.RunSync(ctx, fn, loop.WithName("nested"), loop.WithLogger(b.ec.logger))
	}
	return loop.Go(ctx, l, fn).Await(ctx, 0)
}

// Await waits for h with an optional timeout. See task.Handle.Await.
func Await[T any](ctx context.Context, h *task.Handle[T], timeout time.Duration) (T, error) {
	return h.Await(ctx, timeout)
}
