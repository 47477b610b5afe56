package circuit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aponysus/ferry/policy"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestConsecutiveFailures_Transitions(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cooldown := 50 * time.Millisecond
	cb := New(Config{Threshold: 3, Cooldown: cooldown}, WithClock(clock.Now))
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Fatalf("state=%v, want closed", cb.State())
	}
	if d := cb.Allow(ctx); !d.Allowed {
		t.Fatal("closed breaker refused an attempt")
	}

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)
	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	if cb.State() != StateClosed {
		t.Fatal("a success should reset the failure count")
	}
	cb.RecordFailure(ctx)
	if cb.State() != StateOpen {
		t.Fatalf("state=%v, want open after 3 consecutive failures", cb.State())
	}

	d := cb.Allow(ctx)
	if d.Allowed || d.Reason != ReasonCircuitOpen {
		t.Fatalf("decision=%+v, want refused with %s", d, ReasonCircuitOpen)
	}

	clock.Advance(cooldown)
	if d := cb.Allow(ctx); !d.Allowed || d.State != StateHalfOpen {
		t.Fatalf("decision=%+v, want half-open probe", d)
	}
	if d := cb.Allow(ctx); d.Allowed || d.Reason != ReasonProbeLimit {
		t.Fatalf("decision=%+v, want probe limit", d)
	}

	cb.RecordSuccess(ctx)
	if cb.State() != StateClosed {
		t.Fatalf("state=%v, want closed after probe success", cb.State())
	}
}

func TestConsecutiveFailures_ProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := New(Config{Threshold: 1, Cooldown: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	cb.RecordFailure(ctx)
	clock.Advance(time.Second)
	if d := cb.Allow(ctx); !d.Allowed {
		t.Fatalf("decision=%+v, want probe", d)
	}
	cb.RecordFailure(ctx)
	if cb.State() != StateOpen {
		t.Fatalf("state=%v, want open", cb.State())
	}
	clock.Advance(500 * time.Millisecond)
	if cb.State() != StateOpen {
		t.Fatal("cooldown should restart when a probe fails")
	}
}

func TestConsecutiveFailures_RequiresSeveralProbeSuccesses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := New(Config{Threshold: 1, Cooldown: time.Second, SuccessesToClose: 2}, WithClock(clock.Now))
	ctx := context.Background()

	cb.RecordFailure(ctx)
	clock.Advance(time.Second)
	cb.Allow(ctx)
	cb.RecordSuccess(ctx)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state=%v, want half-open after one of two successes", cb.State())
	}
	if d := cb.Allow(ctx); !d.Allowed {
		t.Fatalf("probe slot should be freed after a success: %+v", d)
	}
	cb.RecordSuccess(ctx)
	if cb.State() != StateClosed {
		t.Fatalf("state=%v, want closed", cb.State())
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Threshold != DefaultThreshold || cfg.Cooldown != DefaultCooldown || cfg.Probes != 1 || cfg.SuccessesToClose != 1 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String()=%q, want %q", s, got, want)
		}
	}
}

func TestRegistry_OneBreakerPerKey(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry(Config{Threshold: 1}, slog.New(slog.NewTextHandler(&buf, nil)))
	a := policy.Key{Name: "a"}

	first := reg.Get(a)
	if reg.Get(a) != first {
		t.Fatal("Get should return the same breaker for a key")
	}
	if reg.Get(policy.Key{Name: "b"}) == first {
		t.Fatal("different keys should get different breakers")
	}

	first.RecordFailure(context.Background())
	if first.State() != StateOpen {
		t.Fatalf("state=%v, want open with threshold 1", first.State())
	}
	if !strings.Contains(buf.String(), "breaker=a") {
		t.Fatalf("expected transition log, got %q", buf.String())
	}

	custom := New(Config{Threshold: 10})
	reg.Set(a, custom)
	if reg.Get(a) != custom {
		t.Fatal("Set should replace the breaker")
	}
}
