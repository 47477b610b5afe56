package policy

import (
	"testing"
	"time"

	"github.com/aponysus/ferry/classify"
)

func TestNew_AppliesOptions(t *testing.T) {
	p := New("test.key",
		MaxAttempts(5),
		BaseDelay(100*time.Millisecond),
		BackoffMultiplier(3),
		Jitter(0.2),
		PerAttemptTimeout(time.Second),
		OnTerminalFailure(Fallback(7)),
	)

	if p.MaxAttempts != 5 {
		t.Errorf("MaxAttempts=%d, want 5", p.MaxAttempts)
	}
	if p.BaseDelay != 100*time.Millisecond {
		t.Errorf("BaseDelay=%v, want 100ms", p.BaseDelay)
	}
	if p.BackoffMultiplier != 3 || p.JitterFraction != 0.2 {
		t.Errorf("multiplier=%v jitter=%v", p.BackoffMultiplier, p.JitterFraction)
	}
	if p.PerAttemptTimeout != time.Second {
		t.Errorf("PerAttemptTimeout=%v, want 1s", p.PerAttemptTimeout)
	}
	if p.OnTerminalFailure.Kind != TerminalFallback || p.OnTerminalFailure.Fallback != 7 {
		t.Errorf("terminal=%+v, want fallback 7", p.OnTerminalFailure)
	}
	if p.Key.String() != "test.key" {
		t.Errorf("key=%s, want test.key", p.Key.String())
	}
	if p.Meta.Source != SourceStatic {
		t.Errorf("source=%v, want static", p.Meta.Source)
	}
}

func TestNew_NormalizationFallback(t *testing.T) {
	p := New("test.broken", Jitter(2))

	if p.JitterFraction != DefaultJitterFraction {
		t.Errorf("jitter=%v, want default", p.JitterFraction)
	}
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts=%d, want default", p.MaxAttempts)
	}
	if !p.Meta.Normalization.Changed {
		t.Error("expected fallback to be marked as changed")
	}
}

func TestPresets_HTTPDefaults(t *testing.T) {
	p := New("test.http", HTTPDefaults())

	if p.BackoffMultiplier != 2.0 || p.MaxAttempts != 3 {
		t.Errorf("multiplier=%v attempts=%d", p.BackoffMultiplier, p.MaxAttempts)
	}
	if len(p.RetryableErrorTypes) != 3 || p.RetryableErrorTypes[0] != classify.CategoryHTTP {
		t.Errorf("types=%v", p.RetryableErrorTypes)
	}
}

func TestExponentialBackoff(t *testing.T) {
	p := New("test.exp", ExponentialBackoff(50*time.Millisecond, 1.5, 5*time.Second), NoJitter())

	if p.BaseDelay != 50*time.Millisecond || p.BackoffMultiplier != 1.5 || p.MaxDelay != 5*time.Second {
		t.Errorf("got base=%v mult=%v max=%v", p.BaseDelay, p.BackoffMultiplier, p.MaxDelay)
	}
	if p.JitterFraction != 0 {
		t.Errorf("jitter=%v, want 0", p.JitterFraction)
	}
}

func TestParseTerminalAction(t *testing.T) {
	cases := []struct {
		in   string
		kind TerminalKind
		val  any
	}{
		{in: "", kind: TerminalPropagate},
		{in: "propagate", kind: TerminalPropagate},
		{in: "fallback", kind: TerminalFallback},
		{in: "fallback:n/a", kind: TerminalFallback, val: "n/a"},
		{in: "Fallback:0", kind: TerminalFallback, val: "0"},
	}
	for _, tc := range cases {
		a, err := ParseTerminalAction(tc.in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.in, err)
		}
		if a.Kind != tc.kind || a.Fallback != tc.val {
			t.Fatalf("%q: got %+v, want %v/%v", tc.in, a, tc.kind, tc.val)
		}
	}
	if _, err := ParseTerminalAction("explode"); err == nil {
		t.Fatal("expected error")
	}
	if got := Fallback("x").String(); got != "fallback:x" {
		t.Fatalf("String=%q, want fallback:x", got)
	}
}
