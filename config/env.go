package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultShutdownTimeout  = 30 * time.Second
	defaultCooldown         = 10 * time.Second
	defaultCacheTTL         = time.Minute
	defaultNegativeCacheTTL = 10 * time.Second
	defaultRemoteTimeout    = 5 * time.Second
)

// Environment variable names for configuration overrides.
const (
	EnvMaxAttempts         = "FERRY_MAX_ATTEMPTS"
	EnvBaseDelay           = "FERRY_BASE_DELAY"
	EnvMaxDelay            = "FERRY_MAX_DELAY"
	EnvBackoffMultiplier   = "FERRY_BACKOFF_MULTIPLIER"
	EnvJitterFraction      = "FERRY_JITTER_FRACTION"
	EnvRetryableErrorTypes = "FERRY_RETRYABLE_ERROR_TYPES"
	EnvRetryOnStatus       = "FERRY_RETRY_ON_STATUS"
	EnvOnTerminalFailure   = "FERRY_ON_TERMINAL_FAILURE"
	EnvPerAttemptTimeout   = "FERRY_PER_ATTEMPT_TIMEOUT"
	EnvWorkerPoolSize      = "FERRY_WORKER_POOL_SIZE"
	EnvQueueSize           = "FERRY_QUEUE_SIZE"
	EnvSubmitMode          = "FERRY_SUBMIT_MODE"
	EnvShutdownMode        = "FERRY_SHUTDOWN_MODE"
	EnvRemoteURL           = "FERRY_REMOTE_URL"
	EnvLogLevel            = "FERRY_LOG_LEVEL"
	EnvLogFormat           = "FERRY_LOG_FORMAT"
)

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv. Malformed values are reported together.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	intVar := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	floatVar := func(name string, dst *float64) {
		if v, ok := get(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	durationVar := func(name string, dst *Duration) {
		if v, ok := get(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = Duration(d)
		}
	}
	stringVar := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	intVar(EnvMaxAttempts, &c.Retry.MaxAttempts)
	durationVar(EnvBaseDelay, &c.Retry.BaseDelay)
	durationVar(EnvMaxDelay, &c.Retry.MaxDelay)
	floatVar(EnvBackoffMultiplier, &c.Retry.BackoffMultiplier)
	floatVar(EnvJitterFraction, &c.Retry.JitterFraction)
	if v, ok := get(EnvRetryableErrorTypes); ok {
		c.Retry.RetryableErrorTypes = splitList(v)
	}
	stringVar(EnvRetryOnStatus, &c.Retry.RetryOnStatus)
	stringVar(EnvOnTerminalFailure, &c.Retry.OnTerminalFailure)
	durationVar(EnvPerAttemptTimeout, &c.Retry.PerAttemptTimeout)

	intVar(EnvWorkerPoolSize, &c.Pool.Size)
	intVar(EnvQueueSize, &c.Pool.QueueSize)
	stringVar(EnvSubmitMode, &c.Pool.Submit)
	stringVar(EnvShutdownMode, &c.Pool.Shutdown)

	stringVar(EnvRemoteURL, &c.Remote.URL)
	stringVar(EnvLogLevel, &c.Log.Level)
	stringVar(EnvLogFormat, &c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("ferry: environment overrides: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
