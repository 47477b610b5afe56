package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 10 * time.Second
)

// Config configures a ConsecutiveFailures breaker. Zero fields take defaults.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int `yaml:"threshold" json:"threshold"`
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// Probes is the number of concurrent half-open attempts allowed (default 1).
	Probes int `yaml:"probes" json:"probes"`
	// SuccessesToClose is the number of probe successes that close the breaker (default 1).
	SuccessesToClose int `yaml:"successes_to_close" json:"successes_to_close"`
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.SuccessesToClose <= 0 {
		c.SuccessesToClose = 1
	}
	return c
}

// ConsecutiveFailures opens after Threshold failures in a row and probes
// again once Cooldown has passed.
type ConsecutiveFailures struct {
	mu sync.Mutex

	cfg    Config
	name   string
	logger *slog.Logger
	now    func() time.Time

	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// Option configures a ConsecutiveFailures breaker.
type Option func(*ConsecutiveFailures)

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(cb *ConsecutiveFailures) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithLogger logs state transitions under name.
func WithLogger(name string, l *slog.Logger) Option {
	return func(cb *ConsecutiveFailures) {
		cb.name = name
		cb.logger = l
	}
}

func New(cfg Config, opts ...Option) *ConsecutiveFailures {
	cb := &ConsecutiveFailures{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cb)
		}
	}
	return cb
}

func (cb *ConsecutiveFailures) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refreshLocked()
}

func (cb *ConsecutiveFailures) Allow(context.Context) Decision {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refreshLocked() {
	case StateOpen:
		return Decision{Allowed: false, State: StateOpen, Reason: ReasonCircuitOpen}
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.Probes {
			return Decision{Allowed: false, State: StateHalfOpen, Reason: ReasonProbeLimit}
		}
		cb.inFlight++
		return Decision{Allowed: true, State: StateHalfOpen}
	default:
		return Decision{Allowed: true, State: StateClosed}
	}
}

func (cb *ConsecutiveFailures) RecordSuccess(context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refreshLocked() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessesToClose {
			cb.moveLocked(StateClosed)
			return
		}
		if cb.inFlight > 0 {
			cb.inFlight--
		}
	}
}

func (cb *ConsecutiveFailures) RecordFailure(context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refreshLocked() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.Threshold {
			cb.moveLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.moveLocked(StateOpen)
	}
}

func (cb *ConsecutiveFailures) refreshLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.moveLocked(StateHalfOpen)
	}
	return cb.state
}

func (cb *ConsecutiveFailures) moveLocked(next State) {
	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.inFlight = 0
	cb.successes = 0
	if next == StateOpen {
		cb.openedAt = cb.now()
	}
	if cb.logger != nil && prev != next {
		cb.logger.Info("circuit breaker state changed", "breaker", cb.name, "from", prev.String(), "to", next.String())
	}
}
