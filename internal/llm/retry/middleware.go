// Package retry provides middleware that retries transient language-model
// failures with exponential backoff.
package retry

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

var (
	errMaxAttemptsInvalid     = errors.New("maxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("initialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("maxInterval must be >= initialInterval")
	errMultiplierInvalid      = errors.New("multiplier must be >= 1.0")
)

// Option configures the retry middleware.
type Option func(*retryMiddleware)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *retryMiddleware) { r.logger = logger.With("component", "retry") }
}

// WithSleep replaces the backoff wait. Tests use it to avoid real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *retryMiddleware) { r.sleep = sleep }
}

type retryMiddleware struct {
	config configuration.RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryMiddlewareWithConfig creates retry middleware after validating cfg.
func NewRetryMiddlewareWithConfig(cfg configuration.RetryConfig, opts ...Option) (transport.Middleware, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, cfg.MaxAttempts)
	}
	if cfg.InitialInterval <= 0 {
		return nil, fmt.Errorf("%w, got %v", errInitialIntervalInvalid, cfg.InitialInterval)
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v", errMaxIntervalInvalid, cfg.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1.0 {
		return nil, fmt.Errorf("%w, got %f", errMultiplierInvalid, cfg.Multiplier)
	}

	r := &retryMiddleware{
		config: cfg,
		logger: slog.Default().With("component", "retry"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r.middleware(), nil
}

func (r *retryMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			start := time.Now()
			var lastErr error
			for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
				resp, err := next.Handle(ctx, req)
				if err == nil {
					if attempt > 1 {
						r.logger.InfoContext(ctx, "request succeeded after retry",
							"attempt", attempt, "model", req.Model, "trace_id", req.TraceID)
					}
					return resp, nil
				}
				if !llmerrors.IsRetryable(err) {
					return nil, err
				}
				lastErr = err
				if attempt == r.config.MaxAttempts {
					break
				}

				backoff := ExponentialBackoff(attempt, r.config)
				if hint := retryAfter(err); hint > backoff {
					backoff = hint
				}
				if r.config.MaxElapsedTime > 0 && time.Since(start)+backoff > r.config.MaxElapsedTime {
					r.logger.WarnContext(ctx, "retry budget exhausted",
						"attempt", attempt, "elapsed", time.Since(start), "error", err)
					break
				}

				r.logger.DebugContext(ctx, "retrying request",
					"attempt", attempt, "backoff", backoff, "error", err)
				if sleepErr := r.sleep(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("retry interrupted: %w", errors.Join(sleepErr, lastErr))
				}
			}
			return nil, fmt.Errorf("%w: %w", llmerrors.ErrMaxRetriesExceeded, lastErr)
		})
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
