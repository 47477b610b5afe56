package controlplane

import (
	"sync"
	"time"

	"github.com/aponysus/ferry/policy"
)

type cacheEntry struct {
	policy    policy.RetryPolicy
	expiresAt time.Time
	missing   bool
}

// PolicyCache is a TTL cache of policies, including negative entries for
// keys the source does not know. Expired entries are kept as last known good
// until replaced.
type PolicyCache struct {
	mu      sync.RWMutex
	entries map[policy.Key]cacheEntry
	now     func() time.Time
}

func NewPolicyCache() *PolicyCache {
	return &PolicyCache{
		entries: make(map[policy.Key]cacheEntry),
		now:     time.Now,
	}
}

// Lookup reports a fresh entry for key. missing is true for a fresh negative entry.
func (c *PolicyCache) Lookup(key policy.Key) (pol policy.RetryPolicy, fresh, missing bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return policy.RetryPolicy{}, false, false
	}
	return e.policy, true, e.missing
}

// Stale returns the last positive entry for key, fresh or expired.
func (c *PolicyCache) Stale(key policy.Key) (policy.RetryPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.missing {
		return policy.RetryPolicy{}, false
	}
	return e.policy, true
}

func (c *PolicyCache) Store(key policy.Key, pol policy.RetryPolicy, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{policy: pol, expiresAt: c.now().Add(ttl)}
}

// StoreMissing records a negative entry.
func (c *PolicyCache) StoreMissing(key policy.Key, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{expiresAt: c.now().Add(ttl), missing: true}
}

func (c *PolicyCache) Invalidate(key policy.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
