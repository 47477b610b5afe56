package classify

import "time"

// OutcomeKind describes the orchestrator's decision about an attempt result.
type OutcomeKind int

const (
	OutcomeUnknown OutcomeKind = iota
	OutcomeSuccess
	OutcomeRetryable
	OutcomeNonRetryable
	OutcomeAbort
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeNonRetryable:
		return "non_retryable"
	case OutcomeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Outcome describes the classification of an attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string

	// BackoffOverride, when set, replaces the scheduled delay before the next attempt.
	BackoffOverride time.Duration

	Attributes map[string]string
}

// Retryable reports whether the outcome asks for another attempt.
func (o Outcome) Retryable() bool { return o.Kind == OutcomeRetryable }

// Classifier maps an attempt's value and error to an Outcome.
//
// Implementations must be safe for concurrent use and must not block.
type Classifier interface {
	Classify(val any, err error) Outcome
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(val any, err error) Outcome

func (f ClassifierFunc) Classify(val any, err error) Outcome { return f(val, err) }
