package policy

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aponysus/ferry/classify"
)

// Defaults for the configuration surface.
const (
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultJitterFraction    = 0.1
)

type Source string

const (
	SourceUnknown Source = "unknown"
	SourceDefault Source = "default"
	SourceStatic  Source = "static"
	SourceFile    Source = "file"
	SourceRemote  Source = "remote"
)

type NormalizationInfo struct {
	Changed       bool
	ChangedFields []string
}

type Metadata struct {
	Source        Source
	Normalization NormalizationInfo
}

// RetryPolicy is the immutable retry configuration for a call site.
//
// A zero JitterFraction means no jitter and a zero BaseDelay means retries
// follow each other immediately; use Default or New for the documented defaults.
type RetryPolicy struct {
	Key Key `json:"key" yaml:"-"`

	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	JitterFraction    float64       `json:"jitter_fraction" yaml:"jitter_fraction"`
	PerAttemptTimeout time.Duration `json:"per_attempt_timeout,omitempty" yaml:"per_attempt_timeout,omitempty"`

	// RetryableErrorTypes names the error categories that are retried when
	// RetryIf is nil. Empty means "all".
	RetryableErrorTypes []string `json:"retryable_error_types,omitempty" yaml:"retryable_error_types,omitempty"`

	// RetryIf overrides RetryableErrorTypes.
	RetryIf classify.ErrorPredicate `json:"-" yaml:"-"`
	// ErrorClassifier overrides RetryableErrorTypes when RetryIf is nil.
	ErrorClassifier classify.Classifier `json:"-" yaml:"-"`
	// RetryStatuses is the HTTP status strategy named by retry_on_status.
	// Nil leaves the choice to the HTTP integration.
	RetryStatuses classify.StatusSet `json:"-" yaml:"-"`
	// RetryOnResult flags a successful value as still unacceptable.
	RetryOnResult classify.ResultPredicate `json:"-" yaml:"-"`

	OnTerminalFailure TerminalAction `json:"-" yaml:"-"`

	Meta Metadata `json:"-" yaml:"-"`
}

// Default returns the default policy.
func Default() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         DefaultMaxAttempts,
		BaseDelay:           DefaultBaseDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		JitterFraction:      DefaultJitterFraction,
		RetryableErrorTypes: []string{classify.CategoryAll},
		OnTerminalFailure:   Propagate(),
		Meta:                Metadata{Source: SourceDefault},
	}
}

// DefaultFor returns the default policy bound to key.
func DefaultFor(key Key) RetryPolicy {
	p := Default()
	p.Key = key
	return p
}

// Normalize fills unset fields and validates the rest. It returns a copy and
// never mutates p. Invalid configurations yield a zero policy and a *NormalizeError.
func (p RetryPolicy) Normalize() (RetryPolicy, error) {
	n := p
	n.RetryableErrorTypes = nil
	norm := &n.Meta.Normalization
	norm.ChangedFields = append([]string(nil), p.Meta.Normalization.ChangedFields...)

	markChanged := func(field string) {
		norm.Changed = true
		for _, f := range norm.ChangedFields {
			if f == field {
				return
			}
		}
		norm.ChangedFields = append(norm.ChangedFields, field)
	}
	invalid := func(field, value string) (RetryPolicy, error) {
		return RetryPolicy{}, &NormalizeError{Field: field, Value: value}
	}

	if n.MaxAttempts == 0 {
		n.MaxAttempts = DefaultMaxAttempts
		markChanged("max_attempts")
	}
	if n.MaxAttempts < 1 {
		return invalid("max_attempts", strconv.Itoa(p.MaxAttempts))
	}

	if n.BaseDelay < 0 {
		return invalid("base_delay", p.BaseDelay.String())
	}
	if n.MaxDelay < 0 {
		n.MaxDelay = 0
		markChanged("max_delay")
	}
	if n.MaxDelay > 0 && n.MaxDelay < n.BaseDelay {
		n.MaxDelay = n.BaseDelay
		markChanged("max_delay")
	}

	if n.BackoffMultiplier == 0 {
		n.BackoffMultiplier = DefaultBackoffMultiplier
		markChanged("backoff_multiplier")
	}
	if n.BackoffMultiplier < 1 || math.IsNaN(n.BackoffMultiplier) || math.IsInf(n.BackoffMultiplier, 0) {
		return invalid("backoff_multiplier", formatFloat(p.BackoffMultiplier))
	}

	if n.JitterFraction < 0 || n.JitterFraction >= 1 || math.IsNaN(n.JitterFraction) {
		return invalid("jitter_fraction", formatFloat(p.JitterFraction))
	}

	if n.PerAttemptTimeout < 0 {
		n.PerAttemptTimeout = 0
		markChanged("per_attempt_timeout")
	}

	for _, name := range p.RetryableErrorTypes {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		n.RetryableErrorTypes = append(n.RetryableErrorTypes, name)
	}
	if len(n.RetryableErrorTypes) == 0 {
		n.RetryableErrorTypes = []string{classify.CategoryAll}
		markChanged("retryable_error_types")
	}

	switch n.OnTerminalFailure.Kind {
	case "":
		n.OnTerminalFailure = Propagate()
		markChanged("on_terminal_failure")
	case TerminalPropagate, TerminalFallback:
	default:
		return invalid("on_terminal_failure", string(n.OnTerminalFailure.Kind))
	}

	if n.Meta.Source == "" {
		n.Meta.Source = SourceUnknown
	}
	return n, nil
}

// Classifier returns the classifier implied by the policy's predicates.
// Category names are resolved in reg first and then in the built-in categories.
func (p RetryPolicy) Classifier(reg *classify.Registry) (classify.Classifier, error) {
	if p.RetryIf != nil {
		return classify.Predicates{RetryError: p.RetryIf, RetryResult: p.RetryOnResult}, nil
	}
	if p.ErrorClassifier != nil {
		return classify.Predicates{Errors: p.ErrorClassifier, RetryResult: p.RetryOnResult}, nil
	}
	c, err := classify.Categories(reg, p.RetryableErrorTypes...)
	if err != nil {
		return nil, err
	}
	return classify.Predicates{Errors: c, RetryResult: p.RetryOnResult}, nil
}

// Classify classifies an attempt outcome using built-in categories only.
// Unknown category names classify every error as non-retryable.
func (p RetryPolicy) Classify(val any, err error) classify.Outcome {
	c, cerr := p.Classifier(nil)
	if cerr != nil {
		c = classify.Predicates{RetryError: func(error) bool { return false }, RetryResult: p.RetryOnResult}
	}
	return c.Classify(val, err)
}

// ShouldRetry reports whether attempt (1-based) should be followed by another.
// A failure is retried when the error predicate matches, a success when the
// result predicate flags its value; either way only while attempt < MaxAttempts.
func (p RetryPolicy) ShouldRetry(attempt int, val any, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return p.Classify(val, err).Kind == classify.OutcomeRetryable
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
