package observe

import (
	"context"

	"github.com/aponysus/ferry/policy"
)

type attemptInfoKey struct{}

// AttemptInfo is per-attempt metadata attached to the attempt context.
type AttemptInfo struct {
	Key     policy.Key
	Attempt int
}

// WithAttemptInfo returns a context derived from ctx that carries info.
func WithAttemptInfo(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptInfoKey{}, info)
}

// AttemptFromContext returns the AttemptInfo from ctx, if present.
func AttemptFromContext(ctx context.Context) (AttemptInfo, bool) {
	if ctx == nil {
		return AttemptInfo{}, false
	}
	info, ok := ctx.Value(attemptInfoKey{}).(AttemptInfo)
	return info, ok
}
