package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/pool"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Retry.validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Policies[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("policies.%s: %w", name, err))
		}
	}

	if c.Pool.Size < 0 {
		errs = append(errs, fmt.Errorf("pool.size must be >= 0, got %d", c.Pool.Size))
	}
	if c.Pool.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pool.queue_size must be >= 0, got %d", c.Pool.QueueSize))
	}
	if _, err := pool.ParseSubmitMode(c.Pool.Submit); err != nil {
		errs = append(errs, fmt.Errorf("pool.submit: %w", err))
	}
	if _, err := pool.ParseShutdownMode(c.Pool.Shutdown); err != nil {
		errs = append(errs, fmt.Errorf("pool.shutdown: %w", err))
	}

	if c.Budget.Capacity < 0 || c.Budget.RefillPerSecond < 0 {
		errs = append(errs, errors.New("budget: capacity and refill_per_second must be >= 0"))
	}
	if c.Circuit.Enabled && c.Circuit.Threshold < 1 {
		errs = append(errs, fmt.Errorf("circuit.threshold must be >= 1, got %d", c.Circuit.Threshold))
	}
	if c.Remote.URL != "" {
		if u, err := url.Parse(c.Remote.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.url %q is not an absolute URL", c.Remote.URL))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("ferry: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (rc RetryConfig) validate() error {
	p, err := rc.Policy(policy.Key{})
	if err != nil {
		return err
	}
	_, err = p.Classifier(nil)
	return err
}
