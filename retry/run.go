package retry

import (
	"context"
	"errors"
	"reflect"
	"runtime/debug"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aponysus/ferry/backoff"
	"github.com/aponysus/ferry/bridge"
	"github.com/aponysus/ferry/budget"
	"github.com/aponysus/ferry/circuit"
	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/controlplane"
	"github.com/aponysus/ferry/loop"
	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/task"
)

var (
	// ErrInvalidOperation is returned for a zero Operation.
	ErrInvalidOperation = errors.New("ferry: invalid operation")
	// ErrNilHandle is an attempt error for a FromHandle factory that returned nil.
	ErrNilHandle = errors.New("ferry: operation returned a nil handle")
)

// Stop reasons recorded in Timeline.Attributes["stop_reason"].
const (
	StopSuccess      = "success"
	StopExhausted    = "exhausted"
	StopNonRetryable = "non_retryable"
	StopAbort        = "abort"
	StopContext      = "context"
	StopBudgetDenied = "budget_denied"
	StopCircuitOpen  = "circuit_open"
	StopInvalid      = "invalid"
)

// Run executes op under pol and blocks until the final outcome.
//
// On failure the last attempt's error is returned unchanged, unless an
// ErrorHandler or a fallback terminal action substitutes a value. When a
// retryable-result predicate is still unsatisfied after the last attempt, the
// last value is returned with a nil error.
func Run[T any](ctx context.Context, o *Orchestrator, pol policy.RetryPolicy, op Operation[T]) (T, error) {
	v, _, err := RunTimeline(ctx, o, pol, op)
	return v, err
}

// RunTimeline is Run that also returns the per-attempt history.
func RunTimeline[T any](ctx context.Context, o *Orchestrator, pol policy.RetryPolicy, op Operation[T]) (T, observe.Timeline, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o == nil {
		o = New()
	}
	return execute[T](ctx, o, pol, op, blockingRunner[T]{o: o})
}

// RunCooperative executes op under pol from inside a coroutine. Delays and
// waits suspend the coroutine; the loop keeps running other work.
func RunCooperative[T any](co *loop.Co, o *Orchestrator, pol policy.RetryPolicy, op Operation[T]) (T, error) {
	if o == nil {
		o = New()
	}
	v, _, err := execute[T](co.Context(), o, pol, op, coopRunner[T]{o: o, co: co})
	return v, err
}

// RunKey resolves the policy for key through the orchestrator's provider and
// runs op under it.
func RunKey[T any](ctx context.Context, o *Orchestrator, key policy.Key, op Operation[T]) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o == nil {
		o = New()
	}
	pol, err := o.Policy(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return Run(ctx, o, pol, op)
}

// Do runs a function that only reports an error.
func Do(ctx context.Context, o *Orchestrator, pol policy.RetryPolicy, fn func(context.Context) error) error {
	_, err := Run(ctx, o, pol, Blocking(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}))
	return err
}

// Policy resolves the policy for key. A key the provider does not know gets
// the default policy; a provider error that still yields a policy (a stale
// cache entry) is logged and the policy used.
func (o *Orchestrator) Policy(ctx context.Context, key policy.Key) (policy.RetryPolicy, error) {
	pol, err := o.provider.Policy(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, controlplane.ErrPolicyNotFound):
		o.logger.Debug("no policy for key, using defaults", "key", key.String())
		pol = policy.DefaultFor(key)
	case pol.MaxAttempts > 0:
		o.logger.Warn("policy provider degraded, using returned policy", "key", key.String(), "error", err)
	default:
		return policy.RetryPolicy{}, &NoPolicyError{Key: key, Err: err}
	}
	pol.Key = key
	return pol, nil
}

// runner abstracts over the two calling contexts: a goroutine that may block
// and a coroutine that must suspend instead.
type runner[T any] interface {
	attempt(ctx context.Context, op Operation[T], timeout time.Duration) (T, error)
	wait(ctx context.Context, d time.Duration) error
}

func execute[T any](ctx context.Context, o *Orchestrator, pol policy.RetryPolicy, op Operation[T], r runner[T]) (T, observe.Timeline, error) {
	var zero T
	key := pol.Key
	capture, _ := observe.CaptureFromContext(ctx)
	tl := observe.Timeline{
		Key:        key,
		Start:      o.clock(),
		Attributes: map[string]string{"operation": op.kind.String()},
	}

	finish := func(v T, err error, reason string) (T, observe.Timeline, error) {
		tl.End = o.clock()
		tl.FinalErr = err
		tl.Attributes["stop_reason"] = reason
		if err != nil || reason != StopSuccess {
			o.observer.OnFailure(ctx, key, tl)
		} else {
			o.observer.OnSuccess(ctx, key, tl)
		}
		if capture != nil {
			capture.Publish(tl)
		}
		return v, tl, err
	}

	normalized, err := pol.Normalize()
	if err == nil && !op.valid() {
		err = ErrInvalidOperation
	}
	var classifier classify.Classifier
	if err == nil {
		classifier, err = normalized.Classifier(o.classifiers)
	}
	if err != nil {
		o.observer.OnStart(ctx, key, pol)
		return finish(zero, err, StopInvalid)
	}
	pol = normalized
	tl.Attributes["policy_source"] = string(pol.Meta.Source)
	tl.Attributes["terminal_action"] = pol.OnTerminalFailure.String()
	o.observer.OnStart(ctx, key, pol)

	var randOpt backoff.Option
	if o.rand != nil {
		randOpt = backoff.WithRand(o.rand)
	}
	sched := backoff.New(backoff.Config{
		BaseDelay:  pol.BaseDelay,
		Multiplier: pol.BackoffMultiplier,
		Jitter:     pol.JitterFraction,
		MaxDelay:   pol.MaxDelay,
	}, randOpt)

	var breaker circuit.Breaker
	if o.breakers != nil {
		breaker = o.breakers.Get(key)
	}

	// stop ends the run with the outcome of the last completed attempt.
	stop := func(v T, err error, reason string) (T, observe.Timeline, error) {
		if err == nil {
			return finish(v, nil, reason)
		}
		cause := classify.StripPermanent(err)
		v, err, via := terminal(ctx, o, pol, v, err)
		if via != "" {
			tl.Attributes["fallback"] = via
			tl.Attributes["terminal_error"] = cause.Error()
		}
		return finish(v, err, reason)
	}

	var (
		last    T
		lastErr error
		waited  time.Duration
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(last, err, StopContext)
		}

		rec := observe.AttemptRecord{Attempt: attempt, Backoff: waited, BudgetAllowed: true}
		var release func()
		if attempt > 1 && o.budget != nil {
			d := o.allowBudget(ctx, key, attempt)
			rec.BudgetAllowed, rec.BudgetReason = d.Allowed, d.Reason
			if !d.Allowed {
				return stop(last, lastErr, StopBudgetDenied)
			}
			release = d.Release
		}
		if breaker != nil {
			if d := breaker.Allow(ctx); !d.Allowed {
				if release != nil {
					release()
				}
				if attempt == 1 {
					return finish(zero, circuit.ErrOpen, StopCircuitOpen)
				}
				return stop(last, lastErr, StopCircuitOpen)
			}
		}

		actx := observe.WithAttemptInfo(observe.WithoutCapture(ctx), observe.AttemptInfo{Key: key, Attempt: attempt})
		rec.StartTime = o.clock()
		val, err := r.attempt(actx, op, pol.PerAttemptTimeout)
		rec.EndTime = o.clock()
		if release != nil {
			release()
		}

		err = o.asPanicError(err, key, attempt)
		out, cerr := o.classify(classifier, val, err, key, attempt)
		if cerr != nil {
			err = cerr
		}
		rec.Outcome, rec.Err = out, err
		tl.Attempts = append(tl.Attempts, rec)
		o.observer.OnAttempt(ctx, key, rec)

		if breaker != nil {
			if err == nil {
				breaker.RecordSuccess(ctx)
			} else {
				breaker.RecordFailure(ctx)
			}
		}

		last, lastErr = val, err
		switch {
		case out.Kind == classify.OutcomeSuccess:
			return finish(val, nil, StopSuccess)
		case out.Kind == classify.OutcomeAbort:
			return stop(val, err, StopAbort)
		case out.Kind != classify.OutcomeRetryable:
			return stop(val, err, StopNonRetryable)
		case attempt >= pol.MaxAttempts:
			return stop(val, err, StopExhausted)
		}

		delay := sched.Compute(attempt)
		if out.BackoffOverride > 0 {
			delay = out.BackoffOverride
			if pol.MaxDelay > 0 && delay > pol.MaxDelay {
				delay = pol.MaxDelay
			}
		}
		if err := r.wait(ctx, delay); err != nil {
			return finish(last, err, StopContext)
		}
		waited = delay
	}
}

// terminal applies the error handler and the policy's terminal action to the
// final error. via names the source of a substituted value.
func terminal[T any](ctx context.Context, o *Orchestrator, pol policy.RetryPolicy, last T, err error) (_ T, _ error, via string) {
	err = classify.StripPermanent(err)
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return last, ctxErr, ""
	}
	if o.handler != nil {
		if hv, ok := o.handler.Handle(ctx, pol.Key, err); ok {
			v, ferr := convertFallback[T](pol.Key, hv, err)
			return v, ferr, "handler"
		}
	}
	if pol.OnTerminalFailure.Kind == policy.TerminalFallback {
		v, ferr := convertFallback[T](pol.Key, pol.OnTerminalFailure.Fallback, err)
		return v, ferr, "policy"
	}
	return last, err, ""
}

// convertFallback turns a fallback value into T. Values already of type T are
// used as is, nil becomes the zero value and strings (from configuration) are
// decoded as YAML scalars.
func convertFallback[T any](key policy.Key, v any, cause error) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	if s, ok := v.(string); ok {
		var t T
		if err := yaml.Unmarshal([]byte(s), &t); err == nil {
			return t, nil
		}
	}
	return zero, &FallbackTypeError{Key: key, Value: v, Want: reflect.TypeFor[T](), Err: cause}
}

// asPanicError replaces a recovered task panic with a *PanicError carrying
// the run's key and attempt.
func (o *Orchestrator) asPanicError(err error, key policy.Key, attempt int) error {
	var pe *task.PanicError
	if !o.recoverPanics || !errors.As(err, &pe) {
		return err
	}
	return &PanicError{Component: "operation", Key: key, Attempt: attempt, Value: pe.Value, Stack: pe.Stack}
}

// classify maps an attempt to an outcome. Panics are never retried and an
// unknown outcome aborts the run.
func (o *Orchestrator) classify(c classify.Classifier, val any, err error, key policy.Key, attempt int) (out classify.Outcome, cerr error) {
	var (
		pe  *PanicError
		tpe *task.PanicError
	)
	if errors.As(err, &pe) || errors.As(err, &tpe) {
		return classify.Outcome{Kind: classify.OutcomeNonRetryable, Reason: "panic"}, nil
	}
	if o.recoverPanics {
		defer func() {
			if rec := recover(); rec != nil {
				out = classify.Outcome{Kind: classify.OutcomeAbort, Reason: "panic_in_classifier"}
				cerr = &PanicError{Component: "classifier", Key: key, Attempt: attempt, Value: rec, Stack: debug.Stack()}
			}
		}()
	}
	out = c.Classify(val, err)
	if out.Kind == classify.OutcomeUnknown {
		out = classify.Outcome{Kind: classify.OutcomeAbort, Reason: "unknown_outcome"}
	}
	return out, nil
}

func (o *Orchestrator) allowBudget(ctx context.Context, key policy.Key, attempt int) (d budget.Decision) {
	if o.recoverPanics {
		defer func() {
			if rec := recover(); rec != nil {
				o.logger.Error("budget panicked", "key", key.String(), "panic", rec)
				d = budget.Decision{Allowed: false, Reason: budget.ReasonPanicInCheck}
			}
		}()
	}
	return o.budget.AllowAttempt(ctx, key, attempt)
}

// blockingRunner serves Run: the caller's goroutine blocks between attempts.
type blockingRunner[T any] struct {
	o *Orchestrator
}

func (r blockingRunner[T]) attempt(ctx context.Context, op Operation[T], timeout time.Duration) (T, error) {
	o := r.o
	switch op.kind {
	case KindBlocking:
		switch {
		case o.offload && o.bridge != nil:
			return bridge.SubmitBlocking(ctx, o.bridge, op.blocking).Await(ctx, timeout)
		case timeout > 0:
			return task.Go(ctx, op.blocking).Await(ctx, timeout)
		case o.recoverPanics:
			return task.Invoke(ctx, op.blocking)
		default:
			return op.blocking(ctx)
		}
	case KindCooperative:
		return spawnCooperative(ctx, o, op.coop).Await(ctx, timeout)
	default:
		h := op.factory(ctx)
		if h == nil {
			var zero T
			return zero, ErrNilHandle
		}
		return h.Await(ctx, timeout)
	}
}

func (r blockingRunner[T]) wait(ctx context.Context, d time.Duration) error {
	return r.o.sleep(ctx, d)
}

// spawnCooperative schedules fn on the bridge's loop. A caller already on
// that loop, or a loop that is busy running a coroutine, gets a private loop
// so that blocking here cannot deadlock it.
func spawnCooperative[T any](ctx context.Context, o *Orchestrator, fn loop.Func[T]) *task.Handle[T] {
	if o.bridge != nil {
		l := o.bridge.ExecutionContext().Loop()
		cur, _ := loop.Current(ctx)
		if cur != l && !l.Busy() {
			return loop.Go(ctx, l, fn)
		}
	}
	l := loop.New(loop.WithName("retry"), loop.WithLogger(o.logger))
	if err := l.Start(); err != nil {
		var zero T
		return task.Resolved(zero, err)
	}
	h := loop.Go(ctx, l, fn)
	h.OnDone(l.Close)
	return h
}

// coopRunner serves RunCooperative: waits suspend the coroutine.
type coopRunner[T any] struct {
	o  *Orchestrator
	co *loop.Co
}

func (r coopRunner[T]) attempt(ctx context.Context, op Operation[T], timeout time.Duration) (T, error) {
	var h *task.Handle[T]
	switch op.kind {
	case KindBlocking:
		if r.o.bridge != nil {
			h = bridge.SubmitBlocking(ctx, r.o.bridge, op.blocking)
		} else {
			h = task.Go(ctx, op.blocking)
		}
	case KindCooperative:
		h = loop.Go(ctx, r.co.Loop(), op.coop)
	default:
		h = op.factory(ctx)
		if h == nil {
			var zero T
			return zero, ErrNilHandle
		}
	}
	return loop.AwaitTimeout(r.co, h, timeout)
}

func (r coopRunner[T]) wait(_ context.Context, d time.Duration) error {
	return r.co.Sleep(d)
}
