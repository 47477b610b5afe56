package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponysus/ferry/config"
	"github.com/aponysus/ferry/policy"
)

type fakeSource struct {
	mu       sync.Mutex
	policies map[policy.Key]policy.RetryPolicy
	err      error
	calls    atomic.Int32
	gate     chan struct{}
}

func (s *fakeSource) Fetch(_ context.Context, key policy.Key) (policy.RetryPolicy, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return policy.RetryPolicy{}, s.err
	}
	p, ok := s.policies[key]
	if !ok {
		return policy.RetryPolicy{}, ErrPolicyNotFound
	}
	return p, nil
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func TestStaticProvider(t *testing.T) {
	key := policy.Key{Namespace: "svc", Name: "op"}
	def := policy.RetryPolicy{MaxAttempts: 7}
	p := &StaticProvider{
		Policies: map[policy.Key]policy.RetryPolicy{key: {MaxAttempts: 2}},
		Default:  &def,
	}

	got, err := p.Policy(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxAttempts)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, policy.SourceStatic, got.Meta.Source)

	got, err = p.Policy(context.Background(), policy.Key{Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxAttempts)

	var nilProvider *StaticProvider
	got, err = nilProvider.Policy(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultMaxAttempts, got.MaxAttempts)
	assert.Equal(t, policy.SourceDefault, got.Meta.Source)
}

func TestStaticProvider_InvalidPolicy(t *testing.T) {
	key := policy.Key{Name: "op"}
	p := &StaticProvider{Policies: map[policy.Key]policy.RetryPolicy{key: {MaxAttempts: -1}}}
	_, err := p.Policy(context.Background(), key)
	var ne *policy.NormalizeError
	require.ErrorAs(t, err, &ne)
}

func TestRemoteProvider_CachesPositiveAndNegative(t *testing.T) {
	key := policy.Key{Name: "op"}
	src := &fakeSource{policies: map[policy.Key]policy.RetryPolicy{key: {MaxAttempts: 4}}}
	now := time.Unix(0, 0)
	p := NewRemoteProvider(src, WithCacheTTL(time.Minute), WithNegativeCacheTTL(time.Second), withClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		got, err := p.Policy(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 4, got.MaxAttempts)
		assert.Equal(t, policy.SourceRemote, got.Meta.Source)
	}
	assert.Equal(t, int32(1), src.calls.Load())

	missing := policy.Key{Name: "missing"}
	for i := 0; i < 2; i++ {
		_, err := p.Policy(context.Background(), missing)
		require.ErrorIs(t, err, ErrPolicyNotFound)
	}
	assert.Equal(t, int32(2), src.calls.Load())

	now = now.Add(2 * time.Second)
	_, err := p.Policy(context.Background(), missing)
	require.ErrorIs(t, err, ErrPolicyNotFound)
	assert.Equal(t, int32(3), src.calls.Load(), "negative entry should expire")

	p.Invalidate(key)
	_, err = p.Policy(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestRemoteProvider_ServesStaleOnFetchError(t *testing.T) {
	key := policy.Key{Name: "op"}
	src := &fakeSource{policies: map[policy.Key]policy.RetryPolicy{key: {MaxAttempts: 5}}}
	now := time.Unix(0, 0)
	p := NewRemoteProvider(src, WithCacheTTL(time.Second), withClock(func() time.Time { return now }))

	_, err := p.Policy(context.Background(), key)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	src.fail(ErrProviderUnavailable)

	got, err := p.Policy(context.Background(), key)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 5, got.MaxAttempts, "stale policy returned with the error")

	_, err = p.Policy(context.Background(), policy.Key{Name: "never-seen"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRemoteProvider_CollapsesConcurrentMisses(t *testing.T) {
	key := policy.Key{Name: "op"}
	src := &fakeSource{policies: map[policy.Key]policy.RetryPolicy{key: {MaxAttempts: 2}}, gate: make(chan struct{})}
	p := NewRemoteProvider(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Policy(context.Background(), key)
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.LessOrEqual(t, src.calls.Load(), int32(2))
}

func TestRemoteProvider_InvalidRemotePolicy(t *testing.T) {
	key := policy.Key{Name: "op"}
	src := &fakeSource{policies: map[policy.Key]policy.RetryPolicy{key: {JitterFraction: 3}}}
	_, err := NewRemoteProvider(src).Policy(context.Background(), key)
	require.ErrorIs(t, err, ErrPolicyFetchFailed)
}

func TestRemoteProvider_NilSource(t *testing.T) {
	_, err := NewRemoteProvider(nil).Policy(context.Background(), policy.Key{Name: "op"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/policies/svc.yaml-op":
			fmt.Fprint(w, "max_attempts: 6\nbase_delay: 20ms\njitter_fraction: 0\n")
		case "/policies/svc.json-op":
			fmt.Fprint(w, `{"max_attempts": 2, "on_terminal_failure": "fallback:x"}`)
		case "/policies/svc.broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/policies/svc.forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/policies/svc.garbage":
			fmt.Fprint(w, "max_attempts: [")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/policies/", time.Second)
	ctx := context.Background()

	p, err := src.Fetch(ctx, policy.ParseKey("svc.yaml-op"))
	require.NoError(t, err)
	assert.Equal(t, 6, p.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 0.0, p.JitterFraction)
	assert.Equal(t, policy.DefaultBackoffMultiplier, p.BackoffMultiplier)
	assert.Equal(t, policy.SourceRemote, p.Meta.Source)

	p, err = src.Fetch(ctx, policy.ParseKey("svc.json-op"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, policy.TerminalFallback, p.OnTerminalFailure.Kind)

	_, err = src.Fetch(ctx, policy.ParseKey("svc.unknown"))
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	_, err = src.Fetch(ctx, policy.ParseKey("svc.broken"))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	_, err = src.Fetch(ctx, policy.ParseKey("svc.forbidden"))
	assert.ErrorIs(t, err, ErrPolicyFetchFailed)
	_, err = src.Fetch(ctx, policy.ParseKey("svc.garbage"))
	assert.ErrorIs(t, err, ErrPolicyFetchFailed)
}

func TestHTTPSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPSource(url, time.Second).Fetch(context.Background(), policy.Key{Name: "op"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestHTTPSource_WithRemoteProvider(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "max_attempts: 3\n")
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)
	src.Defaults = config.DefaultRetry()
	p := NewRemoteProvider(src)
	for i := 0; i < 3; i++ {
		pol, err := p.Policy(context.Background(), policy.Key{Name: "op"})
		require.NoError(t, err)
		assert.Equal(t, 3, pol.MaxAttempts)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestChain(t *testing.T) {
	key := policy.Key{Name: "k"}
	notFound := ProviderFunc(func(context.Context, policy.Key) (policy.RetryPolicy, error) {
		return policy.RetryPolicy{}, ErrPolicyNotFound
	})
	down := ProviderFunc(func(context.Context, policy.Key) (policy.RetryPolicy, error) {
		return policy.RetryPolicy{}, ErrProviderUnavailable
	})
	static := &StaticProvider{Policies: map[policy.Key]policy.RetryPolicy{key: {MaxAttempts: 7}}}

	pol, err := Chain{notFound, down, static}.Policy(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 7, pol.MaxAttempts)

	_, err = Chain{down, notFound}.Policy(context.Background(), key)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = Chain{}.Policy(context.Background(), key)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}
