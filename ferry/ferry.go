// Package ferry assembles a ready-to-use runtime from configuration: an
// execution context with its worker pool and loop, a retry orchestrator and
// the policy, budget and breaker plumbing behind it.
package ferry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aponysus/ferry/bridge"
	"github.com/aponysus/ferry/budget"
	"github.com/aponysus/ferry/circuit"
	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/config"
	"github.com/aponysus/ferry/controlplane"
	"github.com/aponysus/ferry/loop"
	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/retry"
	"github.com/aponysus/ferry/task"
)

// Key is the structured form of a policy key.
type Key = policy.Key

// ParseKey parses "namespace.name" into a Key.
func ParseKey(s string) Key { return policy.ParseKey(s) }

// Runtime owns every long-lived component. Close it when done.
type Runtime struct {
	cfg          *config.Config
	logger       *slog.Logger
	ec           *bridge.ExecutionContext
	bridge       *bridge.Bridge
	orchestrator *retry.Orchestrator
	breakers     *circuit.Registry
	budget       budget.Budget
}

type runtimeOptions struct {
	logger      *slog.Logger
	metrics     prometheus.Registerer
	observers   []observe.Observer
	classifiers *classify.Registry
	handler     retry.ErrorHandler
	offload     bool
}

// Option configures New.
type Option func(*runtimeOptions)

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithMetrics registers pool metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *runtimeOptions) { o.metrics = reg }
}

// WithObserver adds an observer next to the built-in log observer.
func WithObserver(obs observe.Observer) Option {
	return func(o *runtimeOptions) { o.observers = append(o.observers, obs) }
}

// WithClassifiers sets the registry of custom error categories.
func WithClassifiers(reg *classify.Registry) Option {
	return func(o *runtimeOptions) { o.classifiers = reg }
}

// WithErrorHandler sets the terminal error handler.
func WithErrorHandler(h retry.ErrorHandler) Option {
	return func(o *runtimeOptions) { o.handler = h }
}

// WithOffload runs blocking operations on the worker pool.
func WithOffload(enabled bool) Option {
	return func(o *runtimeOptions) { o.offload = enabled }
}

// New builds a Runtime from cfg. A nil cfg means config.Default().
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ro := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	if ro.logger == nil {
		ro.logger = slog.Default()
	}

	bopts, err := cfg.Pool.BridgeOptions()
	if err != nil {
		return nil, err
	}
	bopts = append(bopts, bridge.WithLogger(ro.logger))
	if ro.metrics != nil {
		bopts = append(bopts, bridge.WithMetrics(ro.metrics, "ferry_pool"))
	}
	ec, err := bridge.NewExecutionContext(ctx, bopts...)
	if err != nil {
		return nil, fmt.Errorf("ferry: start execution context: %w", err)
	}

	provider, err := newProvider(cfg, ro.logger)
	if err != nil {
		_ = ec.Shutdown(context.Background())
		return nil, err
	}

	rt := &Runtime{cfg: cfg, logger: ro.logger, ec: ec, bridge: bridge.New(ec)}
	if cfg.Budget.Capacity > 0 {
		rt.budget = budget.NewTokenBucket(cfg.Budget.Capacity, cfg.Budget.RefillPerSecond)
	}
	if cfg.Circuit.Enabled {
		rt.breakers = circuit.NewRegistry(circuit.Config{
			Threshold:        cfg.Circuit.Threshold,
			Cooldown:         cfg.Circuit.Cooldown.Std(),
			SuccessesToClose: cfg.Circuit.SuccessesToClose,
		}, ro.logger)
	}

	observers := observe.MultiObserver{Observers: append([]observe.Observer{observe.NewLogObserver(ro.logger)}, ro.observers...)}
	rt.orchestrator = retry.New(
		retry.WithBridge(rt.bridge),
		retry.WithOffload(ro.offload),
		retry.WithProvider(provider),
		retry.WithObserver(observers),
		retry.WithLogger(ro.logger),
		retry.WithClassifiers(ro.classifiers),
		retry.WithErrorHandler(ro.handler),
		retry.WithBudget(rt.budget),
		retry.WithBreakers(rt.breakers),
		retry.WithRecoverPanics(true),
	)
	return rt, nil
}

// newProvider serves named policies from the file, with the retry section as
// the default. A configured remote service is consulted first.
func newProvider(cfg *config.Config, logger *slog.Logger) (controlplane.PolicyProvider, error) {
	named, err := cfg.NamedPolicies()
	if err != nil {
		return nil, err
	}
	def, err := cfg.Retry.Policy(policy.Key{})
	if err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}
	static := &controlplane.StaticProvider{Policies: named, Default: &def}
	if cfg.Remote.URL == "" {
		return static, nil
	}

	src := controlplane.NewHTTPSource(cfg.Remote.URL, cfg.Remote.Timeout.Std())
	src.Defaults = cfg.Retry
	remote := controlplane.NewRemoteProvider(src,
		controlplane.WithCacheTTL(cfg.Remote.CacheTTL.Std()),
		controlplane.WithNegativeCacheTTL(cfg.Remote.NegativeCacheTTL.Std()),
		controlplane.WithLogger(logger),
	)
	return controlplane.Chain{remote, static}, nil
}

func (rt *Runtime) Config() *config.Config                     { return rt.cfg }
func (rt *Runtime) Logger() *slog.Logger                       { return rt.logger }
func (rt *Runtime) Bridge() *bridge.Bridge                     { return rt.bridge }
func (rt *Runtime) Orchestrator() *retry.Orchestrator          { return rt.orchestrator }
func (rt *Runtime) ExecutionContext() *bridge.ExecutionContext { return rt.ec }

// Breakers returns the breaker registry, or nil when breakers are disabled.
func (rt *Runtime) Breakers() *circuit.Registry { return rt.breakers }

// Close shuts the execution context down, bounded by the configured
// shutdown timeout.
func (rt *Runtime) Close(ctx context.Context) error {
	if timeout := rt.cfg.Pool.ShutdownTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := rt.ec.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		rt.logger.Warn("shutdown timed out", "timeout", rt.cfg.Pool.ShutdownTimeout.String())
	}
	return err
}

// Do runs fn under the policy configured for key.
func Do[T any](ctx context.Context, rt *Runtime, key string, fn func(context.Context) (T, error)) (T, error) {
	return retry.RunKey(ctx, rt.orchestrator, policy.ParseKey(key), retry.Blocking(fn))
}

// DoTimeline is Do that also returns the per-attempt history.
func DoTimeline[T any](ctx context.Context, rt *Runtime, key string, fn func(context.Context) (T, error)) (T, observe.Timeline, error) {
	ctx, capture := observe.RecordTimeline(ctx)
	v, err := Do(ctx, rt, key, fn)
	var tl observe.Timeline
	if got := capture.Timeline(); got != nil {
		tl = *got
	}
	return v, tl, err
}

// DoCooperative runs a coroutine body under the policy configured for key.
// Each attempt runs on the runtime's loop, or on a private one when the
// caller is itself on that loop.
func DoCooperative[T any](ctx context.Context, rt *Runtime, key string, fn loop.Func[T]) (T, error) {
	return retry.RunKey(ctx, rt.orchestrator, policy.ParseKey(key), retry.Cooperative(fn))
}

// Submit runs fn on the worker pool.
func Submit[T any](ctx context.Context, rt *Runtime, fn func(context.Context) (T, error)) *task.Handle[T] {
	return bridge.SubmitBlocking(ctx, rt.bridge, fn)
}

// Spawn runs a coroutine on the runtime's loop.
func Spawn[T any](ctx context.Context, rt *Runtime, fn loop.Func[T]) *task.Handle[T] {
	return bridge.RunCooperatively(ctx, rt.bridge, fn)
}

// Wait awaits h for at most timeout; timeout <= 0 waits until ctx ends.
func Wait[T any](ctx context.Context, h *task.Handle[T], timeout time.Duration) (T, error) {
	return bridge.Await(ctx, h, timeout)
}

// Block runs a coroutine body to completion from blocking code.
func Block[T any](ctx context.Context, rt *Runtime, fn loop.Func[T]) (T, error) {
	return bridge.ToBlocking(ctx, rt.bridge, fn)
}
