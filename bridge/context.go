package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aponysus/ferry/loop"
	"github.com/aponysus/ferry/pool"
	"github.com/aponysus/ferry/task"
)

// ExecutionContext owns the worker pool and the default cooperative loop.
// Construct one at process start and Shutdown it on exit.
type ExecutionContext struct {
	pool   *pool.Pool
	loop   *loop.Loop
	logger *slog.Logger
	mode   pool.ShutdownMode

	mu         sync.Mutex
	coroutines map[string]task.Waiter

	shutdownOnce sync.Once
	shutdownErr  error
}

type contextOptions struct {
	poolOpts []pool.Option
	logger   *slog.Logger
	mode     pool.ShutdownMode
}

// Option configures an ExecutionContext.
type Option func(*contextOptions)

// WithPoolSize sets the number of workers. Non-positive means twice the CPU count.
func WithPoolSize(n int) Option {
	return func(o *contextOptions) { o.poolOpts = append(o.poolOpts, pool.WithWorkers(n)) }
}

func WithQueueSize(n int) Option {
	return func(o *contextOptions) { o.poolOpts = append(o.poolOpts, pool.WithQueueSize(n)) }
}

func WithSubmitMode(m pool.SubmitMode) Option {
	return func(o *contextOptions) { o.poolOpts = append(o.poolOpts, pool.WithSubmitMode(m)) }
}

// WithShutdownMode selects how Shutdown treats pool jobs and coroutines
// started through RunCooperatively: drained or cancelled.
func WithShutdownMode(m pool.ShutdownMode) Option {
	return func(o *contextOptions) {
		o.mode = m
		o.poolOpts = append(o.poolOpts, pool.WithShutdownMode(m))
	}
}

// WithMetrics exports pool metrics named "<prefix>_*".
func WithMetrics(reg prometheus.Registerer, prefix string) Option {
	return func(o *contextOptions) { o.poolOpts = append(o.poolOpts, pool.WithMetrics(reg, prefix)) }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *contextOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewExecutionContext starts a worker pool and a default loop. Pool jobs run
// with a context derived from ctx.
func NewExecutionContext(ctx context.Context, opts ...Option) (*ExecutionContext, error) {
	o := contextOptions{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	p, err := pool.New(append(o.poolOpts, pool.WithLogger(o.logger))...)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	l := loop.New(loop.WithName("default"), loop.WithLogger(o.logger))
	if err := l.Start(); err != nil {
		_ = p.Shutdown(context.Background())
		return nil, err
	}

	o.logger.Info("execution context started", "workers", p.Stats().Workers, "queue_size", p.Stats().QueueSize)
	return &ExecutionContext{pool: p, loop: l, logger: o.logger, mode: o.mode}, nil
}

func (ec *ExecutionContext) Pool() *pool.Pool { return ec.pool }

func (ec *ExecutionContext) Loop() *loop.Loop { return ec.loop }

func (ec *ExecutionContext) Logger() *slog.Logger { return ec.logger }

func (ec *ExecutionContext) Stats() pool.Stats { return ec.pool.Stats() }

// Shutdown stops the execution context. In drain mode it first waits for
// coroutines started through RunCooperatively, then drains the pool; in cancel
// mode both are cancelled. The default loop stops last. Shutdown is
// idempotent; later calls return the first result.
func (ec *ExecutionContext) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ec.shutdownOnce.Do(func() {
		var drainErr error
		if ec.mode == pool.ShutdownDrain {
			drainErr = ec.drainCoroutines(ctx)
		}
		poolErr := ec.pool.Shutdown(ctx)

		ec.loop.Close()
		var loopErr error
		select {
		case <-ec.loop.Done():
		default:
			select {
			case <-ec.loop.Done():
			case <-ctx.Done():
				loopErr = ctx.Err()
			}
		}

		ec.shutdownErr = errors.Join(drainErr, poolErr, loopErr)
		if ec.shutdownErr != nil {
			ec.logger.Warn("execution context shutdown incomplete", "error", ec.shutdownErr)
		} else {
			ec.logger.Info("execution context stopped")
		}
	})
	return ec.shutdownErr
}

// track registers a coroutine running on the default loop until it settles.
func track[T any](ec *ExecutionContext, h *task.Handle[T]) {
	id := h.ID()
	ec.mu.Lock()
	if ec.coroutines == nil {
		ec.coroutines = make(map[string]task.Waiter)
	}
	ec.coroutines[id] = h
	ec.mu.Unlock()
	h.OnDone(func() {
		ec.mu.Lock()
		delete(ec.coroutines, id)
		ec.mu.Unlock()
	})
}

// settled waits for a handle to finish and only reports ctx ending first.
type settled struct{ w task.Waiter }

func (s settled) Wait(ctx context.Context) error {
	_ = s.w.Wait(ctx)
	return ctx.Err()
}

func (ec *ExecutionContext) drainCoroutines(ctx context.Context) error {
	ec.mu.Lock()
	pending := make([]task.Waiter, 0, len(ec.coroutines))
	for _, w := range ec.coroutines {
		pending = append(pending, settled{w})
	}
	ec.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	ec.logger.Debug("draining coroutines", "pending", len(pending))
	return task.WaitAll(ctx, pending...)
}
