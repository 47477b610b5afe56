// Package prometheus exports retry activity as Prometheus metrics.
package prometheus

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/retry"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "ferry"

// Observer is an observe.Observer backed by Prometheus collectors.
type Observer struct {
	observe.BaseObserver

	calls    *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	backoff  *prometheus.HistogramVec
	denied   *prometheus.CounterVec
}

type options struct {
	namespace string
	buckets   []float64
}

// Option configures an Observer.
type Option func(*options)

// WithNamespace replaces DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithBuckets sets the histogram buckets, in seconds.
func WithBuckets(b []float64) Option {
	return func(o *options) { o.buckets = b }
}

// New registers the observer's collectors with reg. Collectors already
// registered by a previous Observer are reused.
func New(reg prometheus.Registerer, opts ...Option) (*Observer, error) {
	cfg := options{namespace: DefaultNamespace, buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{}
	var err error
	if o.calls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "calls_total",
		Help:      "Retry calls by final result and stop reason.",
	}, []string{"key", "result", "stop_reason"})); err != nil {
		return nil, err
	}
	if o.attempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "attempts_total",
		Help:      "Attempts by classified outcome.",
	}, []string{"key", "outcome"})); err != nil {
		return nil, err
	}
	if o.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Duration of individual attempts.",
		Buckets:   cfg.buckets,
	}, []string{"key"})); err != nil {
		return nil, err
	}
	if o.backoff, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "backoff_seconds",
		Help:      "Delay waited before each retry.",
		Buckets:   cfg.buckets,
	}, []string{"key"})); err != nil {
		return nil, err
	}
	if o.denied, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "budget_denied_total",
		Help:      "Retries refused by a retry budget.",
	}, []string{"key"})); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (o *Observer) OnAttempt(_ context.Context, key policy.Key, rec observe.AttemptRecord) {
	k := key.String()
	o.attempts.WithLabelValues(k, rec.Outcome.Kind.String()).Inc()
	o.duration.WithLabelValues(k).Observe(rec.Elapsed().Seconds())
	if rec.Attempt > 1 {
		o.backoff.WithLabelValues(k).Observe(rec.Backoff.Seconds())
	}
}

func (o *Observer) OnSuccess(_ context.Context, key policy.Key, tl observe.Timeline) {
	o.finish(key, "success", tl)
}

func (o *Observer) OnFailure(_ context.Context, key policy.Key, tl observe.Timeline) {
	o.finish(key, "failure", tl)
}

func (o *Observer) finish(key policy.Key, result string, tl observe.Timeline) {
	k := key.String()
	reason := tl.Attributes["stop_reason"]
	o.calls.WithLabelValues(k, result, reason).Inc()
	if reason == retry.StopBudgetDenied {
		o.denied.WithLabelValues(k).Inc()
	}
}
