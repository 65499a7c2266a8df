package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-parley/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-parley/internal/llm/errors"
	"github.com/ahrav/go-parley/internal/llm/transport"
)

var errInvalidConfig = errors.New("invalid circuit breaker config")

// Middleware guards a handler with one breaker per provider/model pair.
type Middleware struct {
	provider string
	cfg      configuration.CircuitBreakerConfig
	breakers *registry
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures the Middleware.
type Option func(*Middleware)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) { m.logger = logger }
}

// New builds breaker middleware for provider.
func New(provider string, cfg configuration.CircuitBreakerConfig, opts ...Option) (*Middleware, error) {
	if cfg.FailureThreshold <= 0 || cfg.SuccessThreshold <= 0 || cfg.HalfOpenProbes <= 0 || cfg.OpenTimeout <= 0 {
		return nil, fmt.Errorf("%w: thresholds, probes and open timeout must be positive", errInvalidConfig)
	}
	m := &Middleware{
		provider: provider,
		cfg:      cfg,
		breakers: newRegistry(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the state of the breaker for model. Unknown models are closed.
func (m *Middleware) State(model string) CircuitState {
	if cb, ok := m.breakers.get(m.key(model)); ok {
		return cb.currentState()
	}
	return StateClosed
}

// Middleware returns the transport middleware.
func (m *Middleware) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			cb, err := m.breakers.getOrCreate(m.key(req.Model), func() *circuitBreaker {
				return newCircuitBreaker(m.cfg, m.now)
			}, m.cfg.MaxBreakers)
			if err != nil {
				return nil, err
			}

			done, state, ok := cb.allow()
			if !ok {
				return nil, &llmerrors.CircuitBreakerError{
					Provider: m.provider,
					Model:    req.Model,
					State:    state.String(),
					ResetAt:  cb.resetAt(),
				}
			}

			resp, err := next.Handle(ctx, req)
			done(!countsAsFailure(err))
			if after := cb.currentState(); after != state {
				m.logger.WarnContext(ctx, "circuit breaker state changed",
					"provider", m.provider, "model", req.Model, "from", state, "to", after)
			}
			return resp, err
		})
	}
}

func (m *Middleware) key(model string) string { return m.provider + "/" + model }

// countsAsFailure reports whether err reflects provider health. Caller
// cancellations and request validation errors do not.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	c := llmerrors.Classify(err)
	return c.Type != llmerrors.ErrorTypeValidation && c.Type != llmerrors.ErrorTypeAuth
}
