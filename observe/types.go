package observe

import (
	"context"
	"time"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/policy"
)

// AttemptRecord describes a single attempt.
type AttemptRecord struct {
	Attempt   int
	StartTime time.Time
	EndTime   time.Time

	Outcome classify.Outcome
	Err     error

	// Backoff is the delay waited before this attempt.
	Backoff time.Duration

	BudgetAllowed bool
	BudgetReason  string
}

// Elapsed is the wall time spent in the attempt itself.
func (r AttemptRecord) Elapsed() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Timeline is the structured record of a single call and all of its attempts.
type Timeline struct {
	Key   policy.Key
	Start time.Time
	End   time.Time

	// Attributes holds call-level metadata (policy source, terminal action, stop reason).
	Attributes map[string]string

	Attempts []AttemptRecord
	FinalErr error
}

func (tl Timeline) Elapsed() time.Duration {
	if tl.End.Before(tl.Start) {
		return 0
	}
	return tl.End.Sub(tl.Start)
}

// Observer receives lifecycle callbacks for a single call. Implementations
// must not block; they run inline with the retry loop.
type Observer interface {
	OnStart(ctx context.Context, key policy.Key, pol policy.RetryPolicy)
	OnAttempt(ctx context.Context, key policy.Key, rec AttemptRecord)
	OnSuccess(ctx context.Context, key policy.Key, tl Timeline)
	OnFailure(ctx context.Context, key policy.Key, tl Timeline)
}
