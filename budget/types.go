// Package budget gates retry attempts so that a failing dependency is not
// flooded with retries from many concurrent calls.
package budget

import (
	"context"

	"github.com/aponysus/ferry/policy"
)

// Standard Decision.Reason strings.
const (
	ReasonAllowed      = "allowed"
	ReasonNoBudget     = "no_budget"
	ReasonBudgetNil    = "budget_nil"
	ReasonBudgetDenied = "budget_denied"
	ReasonAtCapacity   = "at_capacity"
	ReasonPanicInCheck = "panic_in_budget"
)

// Decision is the result of a budget check.
type Decision struct {
	Allowed bool
	Reason  string

	// Release, when non-nil, is called exactly once after an allowed attempt finishes.
	Release func()
}

// Budget decides whether a retry attempt may proceed. attempt is 1-based;
// the orchestrator only consults budgets for attempt >= 2.
type Budget interface {
	AllowAttempt(ctx context.Context, key policy.Key, attempt int) Decision
}

// Func adapts a function to Budget.
type Func func(ctx context.Context, key policy.Key, attempt int) Decision

func (f Func) AllowAttempt(ctx context.Context, key policy.Key, attempt int) Decision {
	return f(ctx, key, attempt)
}
