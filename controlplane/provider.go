// Package controlplane resolves retry policies by key, from static tables or
// a remote policy service.
package controlplane

import (
	"context"

	"github.com/aponysus/ferry/policy"
)

// PolicyProvider supplies a RetryPolicy for a Key.
type PolicyProvider interface {
	// Policy returns the policy for key. Providers may return a usable policy
	// alongside a non-nil error to signal a fallback (for example a stale
	// cached entry).
	Policy(ctx context.Context, key policy.Key) (policy.RetryPolicy, error)
}

// ProviderFunc adapts a function to PolicyProvider.
type ProviderFunc func(ctx context.Context, key policy.Key) (policy.RetryPolicy, error)

func (f ProviderFunc) Policy(ctx context.Context, key policy.Key) (policy.RetryPolicy, error) {
	return f(ctx, key)
}

// StaticProvider is an in-process PolicyProvider backed by a map. Keys without
// an entry get Default, or the package default policy when Default is nil.
type StaticProvider struct {
	Policies map[policy.Key]policy.RetryPolicy
	Default  *policy.RetryPolicy
}

func (p *StaticProvider) Policy(_ context.Context, key policy.Key) (policy.RetryPolicy, error) {
	if p != nil {
		if pol, ok := p.Policies[key]; ok {
			return bind(pol, key, policy.SourceStatic)
		}
		if p.Default != nil {
			return bind(*p.Default, key, policy.SourceStatic)
		}
	}
	return policy.DefaultFor(key).Normalize()
}

func bind(pol policy.RetryPolicy, key policy.Key, src policy.Source) (policy.RetryPolicy, error) {
	pol.Key = key
	if pol.Meta.Source == "" || pol.Meta.Source == policy.SourceUnknown {
		pol.Meta.Source = src
	}
	return pol.Normalize()
}

// Chain consults providers in order. It moves on when a provider does not
// know the key or fails without a usable policy, and returns the first
// provider's result when none succeed.
type Chain []PolicyProvider

func (c Chain) Policy(ctx context.Context, key policy.Key) (policy.RetryPolicy, error) {
	var (
		first    error
		degraded *policy.RetryPolicy
	)
	for _, p := range c {
		if p == nil {
			continue
		}
		pol, err := p.Policy(ctx, key)
		if err == nil {
			return pol, nil
		}
		if first == nil {
			first = err
		}
		if degraded == nil && pol.MaxAttempts > 0 {
			degraded = &pol
		}
	}
	if degraded != nil {
		return *degraded, first
	}
	if first == nil {
		first = ErrPolicyNotFound
	}
	return policy.RetryPolicy{}, first
}
