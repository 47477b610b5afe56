// Package loop implements a single-goroutine cooperative scheduler.
//
// Coroutines run one at a time and only give up control at suspension points
// (Sleep, Yield, Await). A suspended coroutine never blocks the loop: it
// registers a wake callback and hands control back.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrLoopClosed is returned when work is scheduled on a stopping loop and
	// by suspension points interrupted by shutdown.
	ErrLoopClosed = errors.New("ferry: loop closed")

	// ErrLoopRunning is returned by Run and Start when the loop is already driven.
	ErrLoopRunning = errors.New("ferry: loop already running")
)

type loopKey struct{}

// Current returns the loop whose coroutine owns ctx.
func Current(ctx context.Context) (*Loop, bool) {
	if ctx == nil {
		return nil, false
	}
	l, ok := ctx.Value(loopKey{}).(*Loop)
	return l, ok && l != nil
}

// Loop is a cooperative scheduler. All callbacks and coroutine bodies run
// while the loop goroutine holds the baton, so at most one runs at a time.
type Loop struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopReq bool
	final   bool
	signal  chan struct{}

	running  atomic.Bool
	stopping atomic.Bool
	busy     atomic.Bool
	done     chan struct{}

	// suspended is only touched by whoever holds the baton.
	suspended map[*Co]struct{}
}

// Option configures a Loop.
type Option func(*Loop)

func WithName(name string) Option {
	return func(l *Loop) { l.name = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(opts ...Option) *Loop {
	l := &Loop{
		name:      "loop",
		logger:    slog.Default(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		suspended: make(map[*Co]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Loop) Name() string { return l.name }

// Start drives the loop on a new goroutine until Close.
func (l *Loop) Start() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	go l.serve(context.Background())
	return nil
}

// Run drives the loop on the calling goroutine until Close is called or ctx
// ends, then interrupts suspended coroutines and returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	l.serve(ctx)
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Close asks the loop to stop. Queued callbacks still run; suspension points
// in still-running coroutines return ErrLoopClosed. Close does not wait; use Done.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.stopReq {
		l.mu.Unlock()
		return
	}
	l.stopReq = true
	l.mu.Unlock()
	l.stopping.Store(true)
	l.notify()

	if !l.running.Load() && l.running.CompareAndSwap(false, true) {
		go l.serve(context.Background())
	}
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post schedules fn to run on the loop.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopReq {
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	l.notifyLocked()
	return nil
}

// resume schedules fn even while the loop is stopping, so suspended
// coroutines can always be resumed until the final drain completes.
func (l *Loop) resume(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.final {
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	l.notifyLocked()
	return nil
}

func (l *Loop) notify() {
	l.mu.Lock()
	l.notifyLocked()
	l.mu.Unlock()
}

func (l *Loop) notifyLocked() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, l.stopReq
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, false
}

func (l *Loop) serve(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer close(l.done)

	for {
		fn, stop := l.pop()
		if fn != nil {
			l.call(fn)
			continue
		}
		if stop {
			break
		}
		select {
		case <-l.signal:
		case <-ctx.Done():
			l.Close()
		}
	}
	l.drain()
}

func (l *Loop) drain() {
	for {
		for fn, _ := l.pop(); fn != nil; fn, _ = l.pop() {
			l.call(fn)
		}
		if len(l.suspended) == 0 {
			break
		}
		for co := range l.suspended {
			co.pending.fire(ErrLoopClosed)
		}
	}

	l.mu.Lock()
	l.final = true
	l.mu.Unlock()
	l.logger.Debug("loop stopped", "loop", l.name)
}

// Busy reports whether the loop is currently running a callback or coroutine.
// Code executing inside the loop always observes true.
func (l *Loop) Busy() bool { return l.busy.Load() }

func (l *Loop) call(fn func()) {
	l.busy.Store(true)
	defer func() {
		l.busy.Store(false)
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked", "loop", l.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
