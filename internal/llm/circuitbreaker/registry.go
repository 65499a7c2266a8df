package circuitbreaker

import (
	"fmt"
	"sync"

	llmerrors "github.com/ahrav/go-parley/internal/llm/errors"
)

// registry holds one breaker per provider and model. The gateway talks to a
// handful of models, so a single lock is enough.
type registry struct {
	mu       sync.RWMutex
	breakers map[string]*circuitBreaker
}

func newRegistry() *registry {
	return &registry{breakers: make(map[string]*circuitBreaker)}
}

func (r *registry) get(key string) (*circuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[key]
	return cb, ok
}

// getOrCreate fails once limit breakers exist; a limit of zero is unbounded.
func (r *registry) getOrCreate(key string, create func() *circuitBreaker, limit int) (*circuitBreaker, error) {
	if cb, ok := r.get(key); ok {
		return cb, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb, nil
	}
	if limit > 0 && len(r.breakers) >= limit {
		return nil, &llmerrors.ProviderError{
			Code:    "CIRCUIT_BREAKER_LIMIT",
			Message: fmt.Sprintf("%d breakers already tracked, refusing %s", limit, key),
			Type:    llmerrors.ErrorTypeCircuitBreaker,
		}
	}
	cb := create()
	r.breakers[key] = cb
	return cb, nil
}
