package retry

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ahrav/go-parley/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-parley/internal/llm/errors"
)

// ExponentialBackoff returns the delay before attempt+1 using exponential
// growth capped at MaxInterval, with optional full jitter. Non-positive
// attempts yield zero.
func ExponentialBackoff(attempt int, cfg configuration.RetryConfig) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := cfg.InitialInterval
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	multiplier := max(cfg.Multiplier, 1.0)
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if cfg.MaxInterval > 0 && backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
			break
		}
	}

	if cfg.UseJitter {
		jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
		return time.Duration(jitterMs) * time.Millisecond
	}
	return backoff
}

// retryAfter extracts a server-requested delay, or zero.
func retryAfter(err error) time.Duration {
	var provider llmerrors.RetryAfterProvider
	if errors.As(err, &provider) {
		return provider.GetRetryAfter()
	}
	return 0
}
