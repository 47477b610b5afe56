package policy

import (
	"time"

	"github.com/aponysus/ferry/classify"
)

// Option adjusts a policy under construction.
type Option func(*RetryPolicy)

// New builds a normalized policy for key from the defaults and opts. If the
// result is invalid, the default policy for key is returned.
func New(key string, opts ...Option) RetryPolicy {
	p := DefaultFor(ParseKey(key))
	p.Meta.Source = SourceStatic
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	n, err := p.Normalize()
	if err != nil {
		d := DefaultFor(ParseKey(key))
		d.Meta.Normalization = NormalizationInfo{Changed: true, ChangedFields: []string{"*"}}
		return d
	}
	return n
}

func MaxAttempts(n int) Option {
	return func(p *RetryPolicy) { p.MaxAttempts = n }
}

func BaseDelay(d time.Duration) Option {
	return func(p *RetryPolicy) { p.BaseDelay = d }
}

func MaxDelay(d time.Duration) Option {
	return func(p *RetryPolicy) { p.MaxDelay = d }
}

func BackoffMultiplier(m float64) Option {
	return func(p *RetryPolicy) { p.BackoffMultiplier = m }
}

func Jitter(fraction float64) Option {
	return func(p *RetryPolicy) { p.JitterFraction = fraction }
}

// ExponentialBackoff sets base delay, multiplier and cap together.
func ExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) Option {
	return func(p *RetryPolicy) {
		p.BaseDelay = base
		p.BackoffMultiplier = multiplier
		p.MaxDelay = max
	}
}

func PerAttemptTimeout(d time.Duration) Option {
	return func(p *RetryPolicy) { p.PerAttemptTimeout = d }
}

// RetryOn restricts retries to the named error categories.
func RetryOn(categories ...string) Option {
	return func(p *RetryPolicy) { p.RetryableErrorTypes = append([]string(nil), categories...) }
}

func RetryIf(pred classify.ErrorPredicate) Option {
	return func(p *RetryPolicy) { p.RetryIf = pred }
}

func RetryOnResult(pred classify.ResultPredicate) Option {
	return func(p *RetryPolicy) { p.RetryOnResult = pred }
}

func OnTerminalFailure(a TerminalAction) Option {
	return func(p *RetryPolicy) { p.OnTerminalFailure = a }
}

// NoJitter disables jitter.
func NoJitter() Option { return Jitter(0) }

// HTTPDefaults retries transport errors and balanced HTTP statuses with a
// short exponential schedule.
func HTTPDefaults() Option {
	return func(p *RetryPolicy) {
		p.MaxAttempts = 3
		p.BaseDelay = 100 * time.Millisecond
		p.MaxDelay = 5 * time.Second
		p.BackoffMultiplier = 2
		p.RetryableErrorTypes = []string{classify.CategoryHTTP, classify.CategoryNetwork, classify.CategoryTimeout}
	}
}
