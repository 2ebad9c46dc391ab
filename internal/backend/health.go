package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Health tracks named readiness checks. A check with a nil error passes.
type Health struct {
	mu     sync.RWMutex
	checks map[string]error
}

func NewHealth() *Health {
	return &Health{checks: make(map[string]error)}
}

// Set records the state of one check, overwriting any previous state.
func (h *Health) Set(name string, err error) {
	h.mu.Lock()
	h.checks[name] = err
	h.mu.Unlock()
}

// Err returns the first failing check by name, or nil when all pass.
func (h *Health) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name]; err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Snapshot renders check states for the health endpoint.
func (h *Health) Snapshot() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.checks))
	for name, err := range h.checks {
		if err == nil {
			out[name] = "ok"
		} else {
			out[name] = err.Error()
		}
	}
	return out
}
