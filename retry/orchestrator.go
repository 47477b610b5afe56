// Package retry runs operations under a retry policy: attempts are strictly
// sequential, delays follow the policy's backoff schedule and only the final
// outcome reaches the caller.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aponysus/ferry/bridge"
	"github.com/aponysus/ferry/budget"
	"github.com/aponysus/ferry/circuit"
	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/controlplane"
	"github.com/aponysus/ferry/internal"
	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
)

// ErrorHandler is consulted when a run ends in failure, before the policy's
// terminal action. It returns the value to use instead of the error and
// whether it handled the error.
type ErrorHandler interface {
	Handle(ctx context.Context, key policy.Key, err error) (any, bool)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, key policy.Key, err error) (any, bool)

func (f ErrorHandlerFunc) Handle(ctx context.Context, key policy.Key, err error) (any, bool) {
	return f(ctx, key, err)
}

// Orchestrator holds the collaborators shared by runs. It is safe for
// concurrent use and holds no per-run state.
type Orchestrator struct {
	bridge        *bridge.Bridge
	offload       bool
	provider      controlplane.PolicyProvider
	observer      observe.Observer
	logger        *slog.Logger
	clock         func() time.Time
	sleep         func(context.Context, time.Duration) error
	rand          func() float64
	classifiers   *classify.Registry
	handler       ErrorHandler
	budget        budget.Budget
	breakers      *circuit.Registry
	recoverPanics bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBridge sets the bridge used for cooperative operations and, with
// WithOffload, for blocking ones.
func WithBridge(b *bridge.Bridge) Option {
	return func(o *Orchestrator) { o.bridge = b }
}

// WithOffload runs blocking operations on the bridge's worker pool instead of
// the caller's goroutine.
func WithOffload(enabled bool) Option {
	return func(o *Orchestrator) { o.offload = enabled }
}

// WithProvider sets the policy provider used by RunKey.
func WithProvider(p controlplane.PolicyProvider) Option {
	return func(o *Orchestrator) { o.provider = p }
}

// WithObserver sets the observer. Observer panics are recovered and logged.
func WithObserver(obs observe.Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the clock used for timeline timestamps.
func WithClock(f func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = f }
}

// WithSleep replaces the inter-attempt sleep of blocking runs. It must return
// ctx.Err() if ctx ends first.
func WithSleep(f func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = f }
}

// WithRand sets the jitter random source; f must return values in [0,1).
func WithRand(f func() float64) Option {
	return func(o *Orchestrator) { o.rand = f }
}

// WithClassifiers sets the registry consulted for error category names
// before the built-in categories.
func WithClassifiers(r *classify.Registry) Option {
	return func(o *Orchestrator) { o.classifiers = r }
}

// WithErrorHandler sets the terminal error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *Orchestrator) { o.handler = h }
}

// WithBudget gates every retry (attempt 2 and later) on b.
func WithBudget(b budget.Budget) Option {
	return func(o *Orchestrator) { o.budget = b }
}

// WithBreakers consults the breaker for the run's key before every attempt.
func WithBreakers(r *circuit.Registry) Option {
	return func(o *Orchestrator) { o.breakers = r }
}

// WithRecoverPanics converts operation and classifier panics into
// *PanicError instead of letting them propagate.
func WithRecoverPanics(enabled bool) Option {
	return func(o *Orchestrator) { o.recoverPanics = enabled }
}

// New returns an Orchestrator. Without a bridge, blocking operations run on
// the caller's goroutine and cooperative ones on a private loop.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if internal.IsTypedNil(o.budget) {
		o.budget = nil
	}
	if internal.IsTypedNil(o.handler) {
		o.handler = nil
	}
	if o.provider == nil {
		o.provider = &controlplane.StaticProvider{}
	}
	o.observer = observe.Recovering(o.observer, o.logger)
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepWithContext
	}
	return o
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
