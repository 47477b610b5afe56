// Package circuit provides breakers that stop a retry loop from hammering a
// dependency that keeps failing.
package circuit

import (
	"context"
	"errors"
)

// ErrOpen is returned by a run whose first attempt was refused by an open breaker.
var ErrOpen = errors.New("ferry: circuit open")

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // attempts allowed
	StateOpen                  // attempts refused until the cooldown elapses
	StateHalfOpen              // a limited number of probes allowed
)

const (
	ReasonCircuitOpen    = "circuit_open"
	ReasonProbeLimit     = "circuit_half_open_probe_limit"
	ReasonPanicInBreaker = "panic_in_breaker"
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Decision represents the result of checking a breaker.
type Decision struct {
	Allowed bool
	State   State
	Reason  string
}

// Breaker is consulted before every attempt and told how each one ended.
type Breaker interface {
	Allow(ctx context.Context) Decision
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State() State
}
