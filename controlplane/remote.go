package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aponysus/ferry/policy"
)

// Source fetches raw policies. A source must return ErrPolicyNotFound for
// unknown keys.
type Source interface {
	Fetch(ctx context.Context, key policy.Key) (policy.RetryPolicy, error)
}

// RemoteProvider fetches policies from a Source and caches them. Concurrent
// misses for the same key share one fetch. When a fetch fails and an expired
// entry exists, the expired policy is returned together with the error.
type RemoteProvider struct {
	source           Source
	cache            *PolicyCache
	cacheTTL         time.Duration
	negativeCacheTTL time.Duration
	logger           *slog.Logger
	group            singleflight.Group
}

// RemoteProviderOption configures a RemoteProvider.
type RemoteProviderOption func(*RemoteProvider)

// WithCacheTTL sets the TTL for successful policy lookups. Default is 1 minute.
func WithCacheTTL(ttl time.Duration) RemoteProviderOption {
	return func(p *RemoteProvider) {
		if ttl > 0 {
			p.cacheTTL = ttl
		}
	}
}

// WithNegativeCacheTTL sets the TTL for missing policy lookups. Default is 10 seconds.
func WithNegativeCacheTTL(ttl time.Duration) RemoteProviderOption {
	return func(p *RemoteProvider) {
		if ttl > 0 {
			p.negativeCacheTTL = ttl
		}
	}
}

func WithLogger(l *slog.Logger) RemoteProviderOption {
	return func(p *RemoteProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

func withClock(now func() time.Time) RemoteProviderOption {
	return func(p *RemoteProvider) { p.cache.now = now }
}

func NewRemoteProvider(source Source, opts ...RemoteProviderOption) *RemoteProvider {
	p := &RemoteProvider{
		source:           source,
		cache:            NewPolicyCache(),
		cacheTTL:         time.Minute,
		negativeCacheTTL: 10 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Invalidate drops the cached entry for key.
func (p *RemoteProvider) Invalidate(key policy.Key) { p.cache.Invalidate(key) }

func (p *RemoteProvider) Policy(ctx context.Context, key policy.Key) (policy.RetryPolicy, error) {
	if pol, fresh, missing := p.cache.Lookup(key); fresh {
		if missing {
			return policy.RetryPolicy{}, ErrPolicyNotFound
		}
		return pol, nil
	}

	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		return p.fetch(ctx, key)
	})
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return policy.RetryPolicy{}, err
		}
		if stale, ok := p.cache.Stale(key); ok {
			p.logger.Warn("policy fetch failed, serving stale policy", "key", key.String(), "error", err)
			return stale, err
		}
		return policy.RetryPolicy{}, err
	}
	return v.(policy.RetryPolicy), nil
}

func (p *RemoteProvider) fetch(ctx context.Context, key policy.Key) (policy.RetryPolicy, error) {
	if p.source == nil {
		return policy.RetryPolicy{}, ErrProviderUnavailable
	}
	pol, err := p.source.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			p.cache.StoreMissing(key, p.negativeCacheTTL)
		}
		return policy.RetryPolicy{}, err
	}

	normalized, err := bind(pol, key, policy.SourceRemote)
	if err != nil {
		return policy.RetryPolicy{}, fmt.Errorf("%w: %w", ErrPolicyFetchFailed, err)
	}
	p.cache.Store(key, normalized, p.cacheTTL)
	return normalized, nil
}
