// Package ratelimit throttles outgoing language-model calls with a local
// token bucket per model.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-parley/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-parley/internal/llm/errors"
	"github.com/ahrav/go-parley/internal/llm/transport"
)

var errInvalidRate = errors.New("tokens_per_second and burst_size must be positive when rate limiting is enabled")

type rateLimitMiddleware struct {
	cfg      configuration.RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware returns middleware that rejects calls over the
// configured rate with a RateLimitError. A disabled config passes every call.
func NewRateLimitMiddleware(cfg configuration.RateLimitConfig) (transport.Middleware, error) {
	if !cfg.Enabled {
		return func(next transport.Handler) transport.Handler { return next }, nil
	}
	if cfg.TokensPerSecond <= 0 || cfg.BurstSize <= 0 {
		return nil, errInvalidRate
	}
	r := &rateLimitMiddleware{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
	return r.middleware, nil
}

func (r *rateLimitMiddleware) middleware(next transport.Handler) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if err := r.check(req.Model); err != nil {
			return nil, err
		}
		return next.Handle(ctx, req)
	})
}

func (r *rateLimitMiddleware) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.TokensPerSecond), r.cfg.BurstSize)
		r.limiters[key] = l
	}
	return l
}

// check consumes a token or reports how long to wait without consuming one.
func (r *rateLimitMiddleware) check(key string) error {
	limiter := r.limiter(key)
	if limiter.Allow() {
		return nil
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	retryAfter := max(int(math.Ceil(delay.Seconds())), 1)
	return &llmerrors.RateLimitError{
		Provider:   "local",
		Limit:      int(r.cfg.TokensPerSecond),
		RetryAfter: retryAfter,
		LocalLimit: true,
	}
}
