// Package pool provides the bounded worker pool that runs blocking work for
// the execution bridge.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job is a unit of blocking work.
type Job interface {
	// Run executes the job. ctx is cancelled when a cancelling shutdown begins.
	Run(ctx context.Context) error
	// Abort is called instead of Run when the job is dropped by shutdown.
	Abort(err error)
}

// JobFunc adapts a function to Job. Abort is a no-op.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }
func (JobFunc) Abort(error)                     {}

// SubmitMode selects the backpressure behavior once the queue is full.
type SubmitMode int

const (
	// SubmitBlock waits for queue space, the caller's context, or shutdown.
	SubmitBlock SubmitMode = iota
	// SubmitFailFast returns ErrQueueFull immediately.
	SubmitFailFast
)

func (m SubmitMode) String() string {
	if m == SubmitFailFast {
		return "fail"
	}
	return "block"
}

// ParseSubmitMode parses "block" or "fail".
func ParseSubmitMode(s string) (SubmitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return SubmitBlock, nil
	case "fail", "fail_fast", "failfast":
		return SubmitFailFast, nil
	default:
		return SubmitBlock, fmt.Errorf("ferry: unknown submit mode %q", s)
	}
}

// ShutdownMode selects what Shutdown does with outstanding work.
type ShutdownMode int

const (
	// ShutdownDrain runs every queued job and waits for running ones.
	ShutdownDrain ShutdownMode = iota
	// ShutdownCancel cancels running jobs and aborts queued ones.
	ShutdownCancel
)

func (m ShutdownMode) String() string {
	if m == ShutdownCancel {
		return "cancel"
	}
	return "drain"
}

// ParseShutdownMode parses "drain" or "cancel".
func ParseShutdownMode(s string) (ShutdownMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drain":
		return ShutdownDrain, nil
	case "cancel":
		return ShutdownCancel, nil
	default:
		return ShutdownDrain, fmt.Errorf("ferry: unknown shutdown mode %q", s)
	}
}

// Default sizing.
const DefaultQueueSize = 1000

// DefaultWorkers returns twice the number of CPUs.
func DefaultWorkers() int { return 2 * runtime.NumCPU() }

// Pool is a fixed set of worker goroutines fed by a bounded queue.
// Submit is safe for concurrent use; Shutdown is idempotent.
type Pool struct {
	workers      int
	queueSize    int
	submitMode   SubmitMode
	shutdownMode ShutdownMode
	logger       *slog.Logger

	queue     chan Job
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// mu orders sends on queue against closing it.
	mu      sync.RWMutex
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	aborted   atomic.Int64
	active    atomic.Int64

	registerer    prometheus.Registerer
	metricsPrefix string
	metrics       *metrics
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of workers. Non-positive values use DefaultWorkers.
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithQueueSize sets the queue capacity. Non-positive values use DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(p *Pool) { p.queueSize = n }
}

func WithSubmitMode(m SubmitMode) Option {
	return func(p *Pool) { p.submitMode = m }
}

func WithShutdownMode(m ShutdownMode) Option {
	return func(p *Pool) { p.shutdownMode = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics registers pool metrics named "<prefix>_*" with reg.
func WithMetrics(reg prometheus.Registerer, prefix string) Option {
	return func(p *Pool) {
		p.registerer = reg
		p.metricsPrefix = prefix
	}
}

// New creates a pool. It fails only when metric registration fails.
func New(opts ...Option) (*Pool, error) {
	p := &Pool{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers()
	}
	if p.queueSize <= 0 {
		p.queueSize = DefaultQueueSize
	}
	p.queue = make(chan Job, p.queueSize)
	p.closing = make(chan struct{})
	p.done = make(chan struct{})

	if p.registerer != nil {
		if p.metricsPrefix == "" {
			p.metricsPrefix = "ferry_pool"
		}
		m, err := newMetrics(p.registerer, p.metricsPrefix, p)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

// Start launches the workers. Jobs run with a context derived from ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.closed {
		return ErrPoolClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.started = true
	p.logger.Debug("worker pool started", "workers", p.workers, "queue_size", p.queueSize)
	return nil
}

// Submit enqueues job. Depending on the submit mode it waits for queue space
// or fails with ErrQueueFull. ctx bounds only the wait for queue space.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return ErrNilJob
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	if p.submitMode == SubmitFailFast {
		select {
		case p.queue <- job:
			p.recordSubmit()
			return nil
		default:
			p.recordDrop()
			return ErrQueueFull
		}
	}

	select {
	case p.queue <- job:
		p.recordSubmit()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}
}

// Shutdown stops accepting work and waits for workers to exit. In drain mode,
// a ctx that ends before the queue drains escalates to cancellation.
// Calling Shutdown again waits for the same shutdown.
func (p *Pool) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.closeOnce.Do(func() {
		close(p.closing)

		p.mu.Lock()
		p.closed = true
		started := p.started
		close(p.queue)
		p.mu.Unlock()

		if !started {
			close(p.done)
			return
		}
		if p.shutdownMode == ShutdownCancel {
			p.cancel()
		}
		p.logger.Debug("worker pool shutting down", "mode", p.shutdownMode.String(), "queued", len(p.queue))
	})

	select {
	case <-p.done:
		return nil
	default:
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if started {
		p.cancel()
	}
	return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
}

// Done is closed once every worker has exited after Shutdown.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.queue {
		if p.ctx.Err() != nil {
			p.aborted.Add(1)
			if p.metrics != nil {
				p.metrics.aborted.Inc()
			}
			job.Abort(ErrPoolClosed)
			continue
		}

		p.active.Add(1)
		start := time.Now()
		err := p.run(id, job)
		elapsed := time.Since(start)
		p.active.Add(-1)

		p.processed.Add(1)
		status := "success"
		if err != nil {
			p.failed.Add(1)
			status = "error"
		}
		if p.metrics != nil {
			p.metrics.processed.Inc()
			if err != nil {
				p.metrics.failed.Inc()
			}
			p.metrics.duration.WithLabelValues(status).Observe(elapsed.Seconds())
		}
	}
}

func (p *Pool) run(id int, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ferry: job panicked: %v", r)
			p.logger.Error("worker recovered from job panic", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return job.Run(p.ctx)
}

func (p *Pool) recordSubmit() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
	}
}

func (p *Pool) recordDrop() {
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.dropped.Inc()
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Active     int64 `json:"active"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Aborted    int64 `json:"aborted"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Active:     p.active.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Aborted:    p.aborted.Load(),
	}
}
