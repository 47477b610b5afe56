// Package otel records retry calls as OpenTelemetry spans.
package otel

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
)

// ScopeName is the instrumentation scope used when no tracer is supplied.
const ScopeName = "github.com/aponysus/ferry"

// Observer emits one span per retry call once it finishes. Attempts become
// span events stamped with their start times, so the observer keeps no
// per-call state.
type Observer struct {
	observe.BaseObserver

	tracer trace.Tracer
}

// New returns an Observer using tracer, or the global provider's tracer when nil.
func New(tracer trace.Tracer) *Observer {
	if tracer == nil {
		tracer = otel.Tracer(ScopeName)
	}
	return &Observer{tracer: tracer}
}

func (o *Observer) OnSuccess(ctx context.Context, key policy.Key, tl observe.Timeline) {
	o.record(ctx, key, tl)
}

func (o *Observer) OnFailure(ctx context.Context, key policy.Key, tl observe.Timeline) {
	o.record(ctx, key, tl)
}

func (o *Observer) record(ctx context.Context, key policy.Key, tl observe.Timeline) {
	attrs := []attribute.KeyValue{
		attribute.String("ferry.key", key.String()),
		attribute.Int("ferry.attempts", len(tl.Attempts)),
	}
	for k, v := range tl.Attributes {
		attrs = append(attrs, attribute.String("ferry."+k, v))
	}
	_, span := o.tracer.Start(ctx, "ferry.retry "+key.String(),
		trace.WithTimestamp(tl.Start),
		trace.WithAttributes(attrs...),
	)

	for _, rec := range tl.Attempts {
		ev := []attribute.KeyValue{
			attribute.Int("attempt", rec.Attempt),
			attribute.String("outcome", rec.Outcome.Kind.String()),
			attribute.String("reason", rec.Outcome.Reason),
			attribute.String("backoff", rec.Backoff.String()),
			attribute.String("duration", rec.Elapsed().String()),
		}
		if rec.Err != nil {
			ev = append(ev, attribute.String("error", rec.Err.Error()))
		}
		if !rec.BudgetAllowed {
			ev = append(ev, attribute.String("budget_reason", rec.BudgetReason))
		}
		span.AddEvent("attempt "+strconv.Itoa(rec.Attempt), trace.WithTimestamp(rec.StartTime), trace.WithAttributes(ev...))
	}

	if tl.FinalErr != nil {
		span.RecordError(tl.FinalErr)
		span.SetStatus(codes.Error, tl.FinalErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(tl.End))
}
