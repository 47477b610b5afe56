package loop

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aponysus/ferry/task"
)

// Func is a cooperatively scheduled unit of work.
type Func[T any] func(co *Co) (T, error)

// Co is the running coroutine's view of its loop. It must only be used from
// inside the coroutine it was passed to.
type Co struct {
	l   *Loop
	ctx context.Context

	resume chan struct{}
	parked chan struct{}

	pending *suspension
	cause   error
}

type suspension struct {
	once sync.Once
	co   *Co
}

// fire schedules the coroutine's resumption exactly once per suspension.
func (s *suspension) fire(cause error) {
	s.once.Do(func() {
		s.co.cause = cause
		_ = s.co.l.resume(s.co.step)
	})
}

// Context is cancelled when the coroutine's handle is cancelled.
func (co *Co) Context() context.Context { return co.ctx }

func (co *Co) Loop() *Loop { return co.l }

func (co *Co) step() {
	co.resume <- struct{}{}
	<-co.parked
}

// suspend parks the coroutine until a wake registered by arm fires, handing
// control back to the loop in the meantime.
func (co *Co) suspend(arm func(wake func())) error {
	if co.l.stopping.Load() {
		return ErrLoopClosed
	}
	s := &suspension{co: co}
	co.pending = s
	co.l.suspended[co] = struct{}{}

	arm(func() { s.fire(nil) })

	co.parked <- struct{}{}
	<-co.resume

	delete(co.l.suspended, co)
	co.pending = nil
	return co.cause
}

// Yield lets other ready work run before continuing.
func (co *Co) Yield() error {
	return co.suspend(func(wake func()) { wake() })
}

// Sleep suspends the coroutine for d without blocking the loop. It returns
// early with the context error if the coroutine is cancelled.
func (co *Co) Sleep(d time.Duration) error {
	if err := co.ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return co.Yield()
	}
	var timer *time.Timer
	var stop func() bool
	err := co.suspend(func(wake func()) {
		timer = time.AfterFunc(d, wake)
		stop = context.AfterFunc(co.ctx, wake)
	})
	if timer != nil {
		timer.Stop()
		stop()
	}
	if err != nil {
		return err
	}
	return co.ctx.Err()
}

// Go schedules fn as a new coroutine on l and returns its handle. The
// coroutine's context derives from ctx.
func Go[T any](ctx context.Context, l *Loop, fn Func[T]) *task.Handle[T] {
	h, r := task.New[T](ctx)
	co := &Co{
		l:      l,
		ctx:    context.WithValue(r.Context(), loopKey{}, l),
		resume: make(chan struct{}),
		parked: make(chan struct{}),
	}
	if err := l.Post(func() { start(co, fn, r) }); err != nil {
		r.Abort(err)
	}
	return h
}

// start runs on the loop goroutine and holds the baton until the coroutine
// first suspends or finishes.
func start[T any](co *Co, fn Func[T], r task.Resolver[T]) {
	if !r.Start() {
		return
	}
	go func() {
		v, err := invoke(co, fn)
		r.Resolve(v, err)
		co.parked <- struct{}{}
	}()
	<-co.parked
}

// Await suspends the coroutine until h settles.
func Await[T any](co *Co, h *task.Handle[T]) (T, error) {
	return AwaitTimeout(co, h, 0)
}

// AwaitTimeout suspends the coroutine until h settles, the timeout elapses or
// the coroutine is cancelled. A timeout <= 0 waits indefinitely. On timeout h
// is cancelled (best effort) and a *task.TimeoutError is returned.
func AwaitTimeout[T any](co *Co, h *task.Handle[T], timeout time.Duration) (T, error) {
	if v, err, ok := h.Peek(); ok {
		return v, err
	}

	var expired atomic.Bool
	var timer *time.Timer
	var stop func() bool
	err := co.suspend(func(wake func()) {
		h.OnDone(wake)
		stop = context.AfterFunc(co.ctx, wake)
		if timeout > 0 {
			timer = time.AfterFunc(timeout, func() {
				expired.Store(true)
				wake()
			})
		}
	})
	if stop != nil {
		stop()
	}
	if timer != nil {
		timer.Stop()
	}

	if v, herr, ok := h.Peek(); ok {
		return v, herr
	}
	var zero T
	h.Cancel()
	switch {
	case err != nil:
		return zero, err
	case expired.Load():
		return zero, &task.TimeoutError{TaskID: h.ID(), After: timeout}
	default:
		return zero, co.ctx.Err()
	}
}

// RunSync runs fn on a fresh loop driven by a new goroutine and blocks the
// caller until it settles. It is safe to call from inside another loop's
// coroutine, though that coroutine's loop is blocked for the duration.
func RunSync[T any](ctx context.Context, fn Func[T], opts ...Option) (T, error) {
	l := New(opts...)
	if err := l.Start(); err != nil {
		var zero T
		return zero, err
	}
	defer l.Close()
	return Go(ctx, l, fn).Await(ctx, 0)
}

func invoke[T any](co *Co, fn Func[T]) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			v, err = zero, &task.PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn(co)
}
