// Package backoff computes inter-attempt delays: exponential growth from a base
// delay, an optional cap, and symmetric multiplicative jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Config holds the schedule parameters.
type Config struct {
	BaseDelay  time.Duration
	Multiplier float64
	// Jitter is the fraction j in [0,1); each delay is scaled by a uniform
	// factor in [1-j, 1+j].
	Jitter float64
	// MaxDelay caps the unjittered delay. Zero means no cap.
	MaxDelay time.Duration
}

// Scheduler maps an attempt number to the delay that follows it.
// It holds no mutable state and is safe for concurrent use.
type Scheduler struct {
	cfg  Config
	rand func() float64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand sets the random source. f must return values in [0,1).
func WithRand(f func() float64) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.rand = f
		}
	}
}

// New returns a Scheduler for cfg. A multiplier below 1 is treated as 1 and
// jitter is clamped into [0,1).
func New(cfg Config, opts ...Option) Scheduler {
	if cfg.Multiplier < 1 || math.IsNaN(cfg.Multiplier) {
		cfg.Multiplier = 1
	}
	if cfg.Jitter < 0 || math.IsNaN(cfg.Jitter) {
		cfg.Jitter = 0
	}
	if cfg.Jitter >= 1 {
		cfg.Jitter = math.Nextafter(1, 0)
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	s := Scheduler{cfg: cfg, rand: rand.Float64}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// Config returns the schedule parameters.
func (s Scheduler) Config() Config { return s.cfg }

// Base returns the unjittered delay after attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (s Scheduler) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.Multiplier, float64(attempt-1))
	if s.cfg.MaxDelay > 0 && d > float64(s.cfg.MaxDelay) {
		d = float64(s.cfg.MaxDelay)
	}
	return clamp(d)
}

// Compute returns the jittered delay after attempt. The result is never negative.
func (s Scheduler) Compute(attempt int) time.Duration {
	d := s.Base(attempt)
	if s.cfg.Jitter == 0 || d == 0 {
		return d
	}
	u := s.rand()
	factor := 1 + s.cfg.Jitter*(2*u-1)
	return clamp(float64(d) * factor)
}

func clamp(d float64) time.Duration {
	switch {
	case math.IsNaN(d) || d <= 0:
		return 0
	case d >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	default:
		return time.Duration(d)
	}
}
