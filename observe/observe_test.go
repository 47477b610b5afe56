package observe_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
)

type countingObserver struct {
	observe.BaseObserver
	attempts int
	success  int
}

func (c *countingObserver) OnAttempt(context.Context, policy.Key, observe.AttemptRecord) {
	c.attempts++
}
func (c *countingObserver) OnSuccess(context.Context, policy.Key, observe.Timeline) { c.success++ }

type panickingObserver struct{ observe.BaseObserver }

func (panickingObserver) OnAttempt(context.Context, policy.Key, observe.AttemptRecord) {
	panic("observer bug")
}

func TestNoopAndBaseObserver_HandleEvents(t *testing.T) {
	ctx := context.Background()
	key := policy.Key{Name: "op"}
	pol := policy.DefaultFor(key)
	rec := observe.AttemptRecord{Attempt: 1}
	tl := observe.Timeline{Key: key}

	for _, obs := range []observe.Observer{observe.NoopObserver{}, observe.BaseObserver{}} {
		obs.OnStart(ctx, key, pol)
		obs.OnAttempt(ctx, key, rec)
		obs.OnSuccess(ctx, key, tl)
		obs.OnFailure(ctx, key, tl)
	}
}

func TestMultiObserver_FansOutAndSkipsNil(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	m := observe.MultiObserver{Observers: []observe.Observer{a, nil, b}}
	key := policy.Key{Name: "op"}

	m.OnAttempt(context.Background(), key, observe.AttemptRecord{Attempt: 1})
	m.OnAttempt(context.Background(), key, observe.AttemptRecord{Attempt: 2})
	m.OnSuccess(context.Background(), key, observe.Timeline{})

	if a.attempts != 2 || b.attempts != 2 {
		t.Fatalf("attempts=(%d,%d), want (2,2)", a.attempts, b.attempts)
	}
	if a.success != 1 || b.success != 1 {
		t.Fatalf("success=(%d,%d), want (1,1)", a.success, b.success)
	}
}

func TestRecovering_SwallowsPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	obs := observe.Recovering(panickingObserver{}, logger)

	obs.OnAttempt(context.Background(), policy.Key{Name: "op"}, observe.AttemptRecord{Attempt: 1})

	if !strings.Contains(buf.String(), "observer panicked") {
		t.Fatalf("log=%q, want panic entry", buf.String())
	}
}

func TestRecovering_NilIsNoop(t *testing.T) {
	obs := observe.Recovering(nil, nil)
	obs.OnStart(context.Background(), policy.Key{}, policy.Default())
}

func TestLogObserver_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := observe.NewLogObserver(logger)
	key := policy.Key{Namespace: "svc", Name: "op"}
	boom := errors.New("boom")

	obs.OnAttempt(context.Background(), key, observe.AttemptRecord{
		Attempt: 1,
		Outcome: classify.Outcome{Kind: classify.OutcomeRetryable, Reason: "retryable_error"},
		Err:     boom,
	})
	obs.OnFailure(context.Background(), key, observe.Timeline{
		Key:        key,
		Attempts:   make([]observe.AttemptRecord, 3),
		FinalErr:   boom,
		Attributes: map[string]string{"stop_reason": "exhausted"},
	})

	out := buf.String()
	for _, want := range []string{"level=WARN", "attempt failed", "level=ERROR", "retry call failed", "stop_reason=exhausted", "key=svc.op"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLogObserver_FallbackIsReportedAsFailure(t *testing.T) {
	var buf bytes.Buffer
	obs := observe.NewLogObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	obs.OnFailure(context.Background(), policy.Key{Name: "op"}, observe.Timeline{
		Attempts: make([]observe.AttemptRecord, 1),
		Attributes: map[string]string{
			"stop_reason":    "non_retryable",
			"fallback":       "policy",
			"terminal_error": "boom",
		},
	})

	out := buf.String()
	for _, want := range []string{"level=WARN", "fallback returned", "fallback=policy", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "succeeded") {
		t.Fatalf("fallback logged as success:\n%s", out)
	}
}

func TestLogObserver_SuccessOnFirstAttemptIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	obs := observe.NewLogObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	obs.OnSuccess(context.Background(), policy.Key{Name: "op"}, observe.Timeline{Attempts: make([]observe.AttemptRecord, 1)})
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %q", buf.String())
	}
}

func TestRecordTimeline(t *testing.T) {
	ctx, capture := observe.RecordTimeline(context.Background())
	if capture.Timeline() != nil {
		t.Fatal("timeline should be nil before publish")
	}

	got, ok := observe.CaptureFromContext(ctx)
	if !ok || got != capture {
		t.Fatalf("CaptureFromContext=(%p,%v), want (%p,true)", got, ok, capture)
	}

	attempts := []observe.AttemptRecord{{Attempt: 1}}
	got.Publish(observe.Timeline{Key: policy.Key{Name: "op"}, Attempts: attempts})
	attempts[0].Attempt = 99

	tl := capture.Timeline()
	if tl == nil || tl.Key.Name != "op" {
		t.Fatalf("timeline=%+v, want key op", tl)
	}
	if tl.Attempts[0].Attempt != 1 {
		t.Fatalf("published timeline shares attempts slice with caller")
	}
}

func TestWithoutCapture_HidesCapture(t *testing.T) {
	ctx, _ := observe.RecordTimeline(context.Background())
	if _, ok := observe.CaptureFromContext(observe.WithoutCapture(ctx)); ok {
		t.Fatal("capture should be hidden")
	}
	if _, ok := observe.CaptureFromContext(context.Background()); ok {
		t.Fatal("background context should carry no capture")
	}
}

func TestAttemptInfo(t *testing.T) {
	if _, ok := observe.AttemptFromContext(context.Background()); ok {
		t.Fatal("unexpected attempt info")
	}
	ctx := observe.WithAttemptInfo(context.Background(), observe.AttemptInfo{Key: policy.Key{Name: "op"}, Attempt: 2})
	info, ok := observe.AttemptFromContext(ctx)
	if !ok || info.Attempt != 2 || info.Key.Name != "op" {
		t.Fatalf("info=%+v ok=%v", info, ok)
	}
}

func TestAttemptRecord_Elapsed(t *testing.T) {
	start := time.Unix(100, 0)
	rec := observe.AttemptRecord{StartTime: start, EndTime: start.Add(15 * time.Millisecond)}
	if got := rec.Elapsed(); got != 15*time.Millisecond {
		t.Fatalf("elapsed=%v, want 15ms", got)
	}
	if got := (observe.AttemptRecord{StartTime: start}).Elapsed(); got != 0 {
		t.Fatalf("elapsed=%v, want 0", got)
	}
}
