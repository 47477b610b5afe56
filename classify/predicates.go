package classify

import (
	"context"
	"errors"
	"fmt"
)

// ErrorPredicate reports whether a failed attempt should be retried.
type ErrorPredicate func(error) bool

// ResultPredicate reports whether a successful value is still unacceptable.
type ResultPredicate func(any) bool

// Predicates is a Classifier built from a retryable-error predicate and an
// optional retryable-result predicate.
//
// A nil RetryError defers to Errors, or retries any error except cancellation
// when Errors is nil too. A nil RetryResult never retries a successful value.
// Errors marked Permanent are never retried.
type Predicates struct {
	RetryError  ErrorPredicate
	RetryResult ResultPredicate

	// Errors classifies failures when RetryError is nil. Its outcome is kept
	// whole, so details such as BackoffOverride reach the retry loop.
	Errors Classifier
}

func (p Predicates) Classify(val any, err error) Outcome {
	if err != nil {
		if IsPermanent(err) {
			return Outcome{Kind: OutcomeNonRetryable, Reason: "permanent"}
		}
		if p.RetryError == nil {
			if p.Errors == nil {
				return AlwaysRetryOnError{}.Classify(val, err)
			}
			out := p.Errors.Classify(val, err)
			if out.Kind == OutcomeSuccess || out.Kind == OutcomeUnknown {
				out = Outcome{Kind: OutcomeNonRetryable, Reason: "non_retryable_error", Attributes: out.Attributes}
			}
			return out
		}
		if p.RetryError(err) {
			return Outcome{Kind: OutcomeRetryable, Reason: "retryable_error"}
		}
		if errors.Is(err, context.Canceled) {
			return Outcome{Kind: OutcomeAbort, Reason: "cancelled"}
		}
		return Outcome{Kind: OutcomeNonRetryable, Reason: "non_retryable_error"}
	}
	if p.RetryResult != nil && p.RetryResult(val) {
		return Outcome{Kind: OutcomeRetryable, Reason: "retryable_result"}
	}
	return Outcome{Kind: OutcomeSuccess, Reason: "success"}
}

// Categories builds a Classifier that retries an error when any of the named
// categories classifies it as retryable. Names are resolved in reg first and
// then in the built-in categories; reg may be nil.
func Categories(reg *Registry, names ...string) (Classifier, error) {
	if len(names) == 0 {
		return AlwaysRetryOnError{}, nil
	}
	cs := make([]Classifier, 0, len(names))
	for _, name := range names {
		c, ok := reg.Get(name)
		if !ok {
			c, ok = Lookup(name)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
		}
		cs = append(cs, c)
	}
	if len(cs) == 1 {
		return cs[0], nil
	}
	return anyOf(cs), nil
}

type anyOf []Classifier

func (a anyOf) Classify(val any, err error) Outcome {
	var last Outcome
	for _, c := range a {
		out := c.Classify(val, err)
		if out.Kind == OutcomeRetryable || out.Kind == OutcomeSuccess {
			return out
		}
		if out.Kind == OutcomeAbort {
			last = out
		} else if last.Kind != OutcomeAbort {
			last = out
		}
	}
	return last
}

// AsPredicate reports an error as retryable when c classifies it so.
func AsPredicate(c Classifier) ErrorPredicate {
	if c == nil {
		return nil
	}
	return func(err error) bool {
		return c.Classify(nil, err).Kind == OutcomeRetryable
	}
}
