package budget

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/aponysus/ferry/policy"
)

// Unlimited allows every attempt.
type Unlimited struct{}

func (Unlimited) AllowAttempt(context.Context, policy.Key, int) Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// TokenBucket allows bursts of up to capacity retries and refills at
// refillPerSecond tokens per second. It starts full.
type TokenBucket struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTokenBucket returns a TokenBucket. A zero refill rate makes the bucket
// one-shot: once capacity retries are spent, every later retry is denied.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	if capacity < 0 {
		capacity = 0
	}
	if refillPerSecond < 0 || math.IsNaN(refillPerSecond) || math.IsInf(refillPerSecond, 0) {
		refillPerSecond = 0
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		now:     time.Now,
	}
}

// Tokens reports the tokens currently available.
func (b *TokenBucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}

func (b *TokenBucket) AllowAttempt(context.Context, policy.Key, int) Decision {
	if b == nil || b.limiter == nil {
		return Decision{Allowed: false, Reason: ReasonBudgetNil}
	}
	if b.limiter.AllowN(b.now(), 1) {
		return Decision{Allowed: true, Reason: ReasonAllowed}
	}
	return Decision{Allowed: false, Reason: ReasonBudgetDenied}
}

// Concurrency caps the number of retry attempts in flight at once across all
// calls sharing it. Allowed decisions carry a Release that frees the slot.
type Concurrency struct {
	sem *semaphore.Weighted
}

func NewConcurrency(limit int64) *Concurrency {
	if limit < 0 {
		limit = 0
	}
	return &Concurrency{sem: semaphore.NewWeighted(limit)}
}

func (c *Concurrency) AllowAttempt(context.Context, policy.Key, int) Decision {
	if c == nil || c.sem == nil {
		return Decision{Allowed: false, Reason: ReasonBudgetNil}
	}
	if !c.sem.TryAcquire(1) {
		return Decision{Allowed: false, Reason: ReasonAtCapacity}
	}
	var once sync.Once
	return Decision{
		Allowed: true,
		Reason:  ReasonAllowed,
		Release: func() { once.Do(func() { c.sem.Release(1) }) },
	}
}
