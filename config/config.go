// Package config loads ferry settings from YAML files and FERRY_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aponysus/ferry/classify"
	"github.com/aponysus/ferry/policy"
	"github.com/aponysus/ferry/pool"
)

// Config is the complete runtime configuration.
type Config struct {
	Retry   RetryConfig   `yaml:"retry"`
	Pool    PoolConfig    `yaml:"pool"`
	Budget  BudgetConfig  `yaml:"budget"`
	Circuit CircuitConfig `yaml:"circuit"`
	Remote  RemoteConfig  `yaml:"remote"`
	Log     LogConfig     `yaml:"log"`

	// Policies holds named overrides. Each entry starts from Retry and
	// replaces only the keys it sets.
	Policies map[string]RetryConfig `yaml:"policies"`
}

// RetryConfig mirrors policy.RetryPolicy in file form.
type RetryConfig struct {
	MaxAttempts         int      `yaml:"max_attempts"`
	BaseDelay           Duration `yaml:"base_delay"`
	MaxDelay            Duration `yaml:"max_delay"`
	BackoffMultiplier   float64  `yaml:"backoff_multiplier"`
	JitterFraction      float64  `yaml:"jitter_fraction"`
	RetryableErrorTypes []string `yaml:"retryable_error_types"`
	// RetryOnStatus names an HTTP status strategy (conservative, balanced,
	// aggressive) whose codes are retried as results. Empty disables it.
	RetryOnStatus     string   `yaml:"retry_on_status"`
	OnTerminalFailure string   `yaml:"on_terminal_failure"`
	PerAttemptTimeout Duration `yaml:"per_attempt_timeout"`
}

type PoolConfig struct {
	Size            int      `yaml:"size"`
	QueueSize       int      `yaml:"queue_size"`
	Submit          string   `yaml:"submit"`
	Shutdown        string   `yaml:"shutdown"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// BudgetConfig configures a shared retry token bucket. Capacity 0 disables it.
type BudgetConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type CircuitConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Threshold        int      `yaml:"threshold"`
	Cooldown         Duration `yaml:"cooldown"`
	SuccessesToClose int      `yaml:"successes_to_close"`
}

// RemoteConfig points RunKey lookups at an HTTP policy service. An empty URL
// serves policies from the file only.
type RemoteConfig struct {
	URL              string   `yaml:"url"`
	CacheTTL         Duration `yaml:"cache_ttl"`
	NegativeCacheTTL Duration `yaml:"negative_cache_ttl"`
	Timeout          Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRetry returns the retry section defaults.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:         policy.DefaultMaxAttempts,
		BaseDelay:           Duration(policy.DefaultBaseDelay),
		BackoffMultiplier:   policy.DefaultBackoffMultiplier,
		JitterFraction:      policy.DefaultJitterFraction,
		RetryableErrorTypes: []string{classify.CategoryAll},
		OnTerminalFailure:   string(policy.TerminalPropagate),
	}
}

// Default returns a Config with all default values.
func Default() *Config {
	return &Config{
		Retry: DefaultRetry(),
		Pool: PoolConfig{
			Size:            pool.DefaultWorkers(),
			QueueSize:       pool.DefaultQueueSize,
			Submit:          pool.SubmitBlock.String(),
			Shutdown:        pool.ShutdownDrain.String(),
			ShutdownTimeout: Duration(defaultShutdownTimeout),
		},
		Circuit: CircuitConfig{Threshold: 5, Cooldown: Duration(defaultCooldown), SuccessesToClose: 1},
		Remote: RemoteConfig{
			CacheTTL:         Duration(defaultCacheTTL),
			NegativeCacheTTL: Duration(defaultNegativeCacheTTL),
			Timeout:          Duration(defaultRemoteTimeout),
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		Policies: map[string]RetryConfig{},
	}
}

// UnmarshalYAML decodes over the receiver's current values so that missing
// keys keep their defaults, and resolves named policies against the decoded
// retry section.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Retry    RetryConfig          `yaml:"retry"`
		Pool     PoolConfig           `yaml:"pool"`
		Budget   BudgetConfig         `yaml:"budget"`
		Circuit  CircuitConfig        `yaml:"circuit"`
		Remote   RemoteConfig         `yaml:"remote"`
		Log      LogConfig            `yaml:"log"`
		Policies map[string]yaml.Node `yaml:"policies"`
	}
	raw.Retry, raw.Pool, raw.Budget = c.Retry, c.Pool, c.Budget
	raw.Circuit, raw.Remote, raw.Log = c.Circuit, c.Remote, c.Log
	if err := decodeStrict(value, &raw); err != nil {
		return err
	}
	c.Retry, c.Pool, c.Budget = raw.Retry, raw.Pool, raw.Budget
	c.Circuit, c.Remote, c.Log = raw.Circuit, raw.Remote, raw.Log

	if c.Policies == nil {
		c.Policies = make(map[string]RetryConfig, len(raw.Policies))
	}
	for name, node := range raw.Policies {
		rc := c.Retry
		rc.RetryableErrorTypes = slices.Clone(c.Retry.RetryableErrorTypes)
		if err := decodeStrict(&node, &rc); err != nil {
			return fmt.Errorf("policies.%s: %w", name, err)
		}
		c.Policies[name] = rc
	}
	return nil
}

// decodeStrict decodes node into out and rejects keys out does not declare.
// Node.Decode does not inherit the outer decoder's KnownFields setting.
func decodeStrict(node *yaml.Node, out any) error {
	data, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Parse decodes YAML (or JSON) data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ferry: parse config: %w", err)
	}
	return cfg, nil
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ferry: read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Policy converts the retry section to a normalized policy bound to key.
func (rc RetryConfig) Policy(key policy.Key) (policy.RetryPolicy, error) {
	action, err := policy.ParseTerminalAction(rc.OnTerminalFailure)
	if err != nil {
		return policy.RetryPolicy{}, err
	}
	p := policy.RetryPolicy{
		Key:                 key,
		MaxAttempts:         rc.MaxAttempts,
		BaseDelay:           rc.BaseDelay.Std(),
		MaxDelay:            rc.MaxDelay.Std(),
		BackoffMultiplier:   rc.BackoffMultiplier,
		JitterFraction:      rc.JitterFraction,
		PerAttemptTimeout:   rc.PerAttemptTimeout.Std(),
		RetryableErrorTypes: slices.Clone(rc.RetryableErrorTypes),
		OnTerminalFailure:   action,
		Meta:                policy.Metadata{Source: policy.SourceFile},
	}
	if strings.TrimSpace(rc.RetryOnStatus) != "" {
		set, err := classify.StatusStrategy(rc.RetryOnStatus)
		if err != nil {
			return policy.RetryPolicy{}, err
		}
		p.RetryStatuses = set
		p.RetryOnResult = classify.RetryOnStatus(set)
	}
	return p.Normalize()
}

// NamedPolicies returns every named policy, normalized and keyed by policy.Key.
func (c *Config) NamedPolicies() (map[policy.Key]policy.RetryPolicy, error) {
	out := make(map[policy.Key]policy.RetryPolicy, len(c.Policies))
	for name, rc := range c.Policies {
		key := policy.ParseKey(name)
		p, err := rc.Policy(key)
		if err != nil {
			return nil, fmt.Errorf("policies.%s: %w", name, err)
		}
		out[key] = p
	}
	return out, nil
}

// NewLogger builds the process logger described by the log section.
func (lc LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
