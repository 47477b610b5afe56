package observe

import (
	"context"
	"log/slog"

	"github.com/aponysus/ferry/policy"
)

// BaseObserver implements Observer with no-op methods.
//
// Users can embed BaseObserver to implement only the callbacks they need.
type BaseObserver struct{}

func (BaseObserver) OnStart(context.Context, policy.Key, policy.RetryPolicy) {}
func (BaseObserver) OnAttempt(context.Context, policy.Key, AttemptRecord)    {}
func (BaseObserver) OnSuccess(context.Context, policy.Key, Timeline)         {}
func (BaseObserver) OnFailure(context.Context, policy.Key, Timeline)         {}

// MultiObserver fans out events to multiple observers.
type MultiObserver struct {
	Observers []Observer
}

func (m MultiObserver) OnStart(ctx context.Context, key policy.Key, pol policy.RetryPolicy) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnStart(ctx, key, pol)
		}
	}
}

func (m MultiObserver) OnAttempt(ctx context.Context, key policy.Key, rec AttemptRecord) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnAttempt(ctx, key, rec)
		}
	}
}

func (m MultiObserver) OnSuccess(ctx context.Context, key policy.Key, tl Timeline) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnSuccess(ctx, key, tl)
		}
	}
}

func (m MultiObserver) OnFailure(ctx context.Context, key policy.Key, tl Timeline) {
	for _, o := range m.Observers {
		if o != nil {
			o.OnFailure(ctx, key, tl)
		}
	}
}

// Recovering wraps o so that a panicking callback is logged and swallowed.
// Observers can never abort a call.
func Recovering(o Observer, logger *slog.Logger) Observer {
	if o == nil {
		return NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return recovering{next: o, logger: logger}
}

type recovering struct {
	next   Observer
	logger *slog.Logger
}

func (r recovering) guard(event string, key policy.Key) {
	if rec := recover(); rec != nil {
		r.logger.Error("observer panicked", "event", event, "key", key.String(), "panic", rec)
	}
}

func (r recovering) OnStart(ctx context.Context, key policy.Key, pol policy.RetryPolicy) {
	defer r.guard("start", key)
	r.next.OnStart(ctx, key, pol)
}

func (r recovering) OnAttempt(ctx context.Context, key policy.Key, rec AttemptRecord) {
	defer r.guard("attempt", key)
	r.next.OnAttempt(ctx, key, rec)
}

func (r recovering) OnSuccess(ctx context.Context, key policy.Key, tl Timeline) {
	defer r.guard("success", key)
	r.next.OnSuccess(ctx, key, tl)
}

func (r recovering) OnFailure(ctx context.Context, key policy.Key, tl Timeline) {
	defer r.guard("failure", key)
	r.next.OnFailure(ctx, key, tl)
}
