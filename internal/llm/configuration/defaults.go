package configuration

import "time"

// Retry and circuit breaker constants.
const (
	DefaultMaxAttempts       = 3
	DefaultMaxElapsedTime    = 45 * time.Second
	DefaultInitialInterval   = 250 * time.Millisecond
	DefaultMaxInterval       = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultFailureThreshold  = 5
	DefaultSuccessThreshold  = 2
	DefaultOpenTimeout       = 30 * time.Second
	DefaultMaxBreakers       = 64
)

// Request constants.
const (
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultMaxTokens       = 800
	DefaultTemperature     = 0.7
	DefaultTokensPerSecond = 1
	DefaultBurstSize       = 5
	DefaultEndpoint        = "https://api.openai.com/v1"
	DefaultModel           = "gpt-4o-mini"
	DefaultAPIKeyEnv       = "PARLEY_LLM_API_KEY"
)

// DefaultConfig returns a disabled gateway with production-ready resilience
// settings, so enabling it only needs a model and a key.
func DefaultConfig() *Config {
	return &Config{
		Provider:    "openai",
		Endpoint:    DefaultEndpoint,
		Model:       DefaultModel,
		APIKeyEnv:   DefaultAPIKeyEnv,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		HTTPTimeout: DefaultHTTPTimeout,
		Retry: RetryConfig{
			MaxAttempts:     DefaultMaxAttempts,
			MaxElapsedTime:  DefaultMaxElapsedTime,
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			Multiplier:      DefaultBackoffMultiplier,
			UseJitter:       true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			SuccessThreshold: DefaultSuccessThreshold,
			OpenTimeout:      DefaultOpenTimeout,
			HalfOpenProbes:   1,
			MaxBreakers:      DefaultMaxBreakers,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			TokensPerSecond: DefaultTokensPerSecond,
			BurstSize:       DefaultBurstSize,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			RedactPrompts: true,
		},
	}
}
