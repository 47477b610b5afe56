package observe

import (
	"context"
	"log/slog"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/policy"
)

// LogObserver writes call and attempt events to a slog.Logger.
//
// Attempts are logged at Debug and retryable failures at Warn. Calls that end
// in an error log at Error, calls rescued by a fallback or ended with a still
// flagged result at Warn, and successes after more than one attempt at Info.
type LogObserver struct {
	Logger *slog.Logger
}

// NewLogObserver returns a LogObserver writing to logger, or slog.Default when nil.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *LogObserver) OnStart(ctx context.Context, key policy.Key, pol policy.RetryPolicy) {
	o.logger().DebugContext(ctx, "retry call started",
		"key", key.String(),
		"max_attempts", pol.MaxAttempts,
		"base_delay", pol.BaseDelay,
		"backoff_multiplier", pol.BackoffMultiplier,
		"jitter_fraction", pol.JitterFraction,
	)
}

func (o *LogObserver) OnAttempt(ctx context.Context, key policy.Key, rec AttemptRecord) {
	attrs := []any{
		"key", key.String(),
		"attempt", rec.Attempt,
		"outcome", rec.Outcome.Kind.String(),
		"reason", rec.Outcome.Reason,
		"elapsed", rec.Elapsed(),
	}
	if rec.Backoff > 0 {
		attrs = append(attrs, "backoff", rec.Backoff)
	}
	if rec.Err != nil {
		attrs = append(attrs, "error", rec.Err)
	}

	if rec.Outcome.Kind == classify.OutcomeRetryable && rec.Err != nil {
		o.logger().WarnContext(ctx, "attempt failed", attrs...)
		return
	}
	o.logger().DebugContext(ctx, "attempt finished", attrs...)
}

func (o *LogObserver) OnSuccess(ctx context.Context, key policy.Key, tl Timeline) {
	if len(tl.Attempts) <= 1 {
		return
	}
	o.logger().InfoContext(ctx, "retry call succeeded",
		"key", key.String(),
		"attempts", len(tl.Attempts),
		"elapsed", tl.Elapsed(),
	)
}

func (o *LogObserver) OnFailure(ctx context.Context, key policy.Key, tl Timeline) {
	attrs := []any{
		"key", key.String(),
		"attempts", len(tl.Attempts),
		"elapsed", tl.Elapsed(),
		"stop_reason", tl.Attributes["stop_reason"],
	}
	if tl.FinalErr != nil {
		o.logger().ErrorContext(ctx, "retry call failed", append(attrs, "error", tl.FinalErr)...)
		return
	}
	if via, ok := tl.Attributes["fallback"]; ok {
		attrs = append(attrs, "fallback", via, "error", tl.Attributes["terminal_error"])
		o.logger().WarnContext(ctx, "retry call failed, fallback returned", attrs...)
		return
	}
	o.logger().WarnContext(ctx, "retry call exhausted with unaccepted result", attrs...)
}
