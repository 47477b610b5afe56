package circuit

import (
	"log/slog"
	"sync"

	"github.com/aponysus/ferry/policy"
)

// Registry hands out one breaker per policy key, created on first use.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	logger   *slog.Logger
	breakers map[policy.Key]Breaker
}

// NewRegistry returns a registry whose breakers use cfg. A nil logger
// disables transition logging.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[policy.Key]Breaker),
	}
}

// Set installs a specific breaker for key.
func (r *Registry) Set(key policy.Key, b Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[key] = b
}

// Get returns the breaker for key, creating it if needed.
func (r *Registry) Get(key policy.Key) Breaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	var opts []Option
	if r.logger != nil {
		opts = append(opts, WithLogger(key.String(), r.logger))
	}
	cb = New(r.cfg, opts...)
	r.breakers[key] = cb
	return cb
}
