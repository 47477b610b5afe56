package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aponysus/ferry/bridge"
	"github.com/aponysus/ferry/observe"
	"github.com/aponysus/ferry/policy"
)

// sleepRecorder replaces the inter-attempt sleep and remembers every delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	return New(append([]Option{WithSleep(rec.sleep)}, opts...)...), rec
}

func newTestBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	ec, err := bridge.NewExecutionContext(context.Background(), bridge.WithPoolSize(4))
	if err != nil {
		t.Fatalf("NewExecutionContext: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ec.Shutdown(ctx)
	})
	return bridge.New(ec)
}

func testPolicy(attempts int) policy.RetryPolicy {
	return policy.RetryPolicy{
		Key:               policy.Key{Namespace: "test", Name: "op"},
		MaxAttempts:       attempts,
		BaseDelay:         10 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

// recordingObserver keeps every callback it receives.
type recordingObserver struct {
	observe.BaseObserver

	mu       sync.Mutex
	started  int
	attempts []observe.AttemptRecord
	success  []observe.Timeline
	failure  []observe.Timeline
}

func (r *recordingObserver) OnStart(context.Context, policy.Key, policy.RetryPolicy) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingObserver) OnAttempt(_ context.Context, _ policy.Key, rec observe.AttemptRecord) {
	r.mu.Lock()
	r.attempts = append(r.attempts, rec)
	r.mu.Unlock()
}

func (r *recordingObserver) OnSuccess(_ context.Context, _ policy.Key, tl observe.Timeline) {
	r.mu.Lock()
	r.success = append(r.success, tl)
	r.mu.Unlock()
}

func (r *recordingObserver) OnFailure(_ context.Context, _ policy.Key, tl observe.Timeline) {
	r.mu.Lock()
	r.failure = append(r.failure, tl)
	r.mu.Unlock()
}

func guard(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
