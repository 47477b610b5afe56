package budget

import (
	"sort"
	"strings"
	"sync"

	"github.com/aponysus/ferry/internal"
)

// Registry is a thread-safe name to Budget map. Config files refer to budgets
// by name.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Budget
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Budget)}
}

// Register adds or replaces a budget. Names are trimmed.
func (r *Registry) Register(name string, b Budget) error {
	if r == nil {
		return ErrNilRegistry
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if internal.IsTypedNil(b) {
		return ErrNilBudget
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]Budget)
	}
	r.m[name] = b
	return nil
}

// MustRegister registers a budget and panics on error.
func (r *Registry) MustRegister(name string, b Budget) {
	if err := r.Register(name, b); err != nil {
		panic("budget.Registry.MustRegister: " + err.Error())
	}
}

func (r *Registry) Get(name string) (Budget, bool) {
	if r == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}

	r.mu.RLock()
	b, ok := r.m[name]
	r.mu.RUnlock()
	return b, ok && b != nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
