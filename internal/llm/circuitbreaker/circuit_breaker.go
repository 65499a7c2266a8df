// Package circuitbreaker stops calling a model that keeps failing and lets
// a limited number of probes through after a cool-down.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/ahrav/go-parley/internal/llm/configuration"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed allows requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests for testing.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker tracks the health of one provider/model pair.
type circuitBreaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	probes    int
	openedAt  time.Time

	cfg configuration.CircuitBreakerConfig
	now func() time.Time
}

func newCircuitBreaker(cfg configuration.CircuitBreakerConfig, now func() time.Time) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, now: now}
}

// allow reports whether a call may proceed. When it may, done must be
// called exactly once with the outcome.
func (cb *circuitBreaker) allow() (done func(success bool), state CircuitState, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			return nil, StateOpen, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.successes = 0
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenProbes {
			return nil, StateHalfOpen, false
		}
		cb.probes++
	}
	return cb.record, cb.state, true
}

func (cb *circuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probes = max(cb.probes-1, 0)
		if !success {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	}
}

func (cb *circuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
}

func (cb *circuitBreaker) currentState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *circuitBreaker) resetAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openedAt.Add(cb.cfg.OpenTimeout)
}
