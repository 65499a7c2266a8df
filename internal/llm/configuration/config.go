// Package configuration holds the settings of the language-model gateway
// and its resilience middleware.
package configuration

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the gateway configuration.
type Config struct {
	Enabled     bool          `json:"enabled"      yaml:"enabled"`
	Provider    string        `json:"provider"     yaml:"provider"     validate:"omitempty,oneof=openai"`
	Endpoint    string        `json:"endpoint"     yaml:"endpoint"     validate:"omitempty,url"`
	Model       string        `json:"model"        yaml:"model"        validate:"required_if=Enabled true"`
	APIKeyEnv   string        `json:"api_key_env"  yaml:"api_key_env"`
	APIKey      string        `json:"-"            yaml:"-"`
	MaxTokens   int           `json:"max_tokens"   yaml:"max_tokens"   validate:"gte=1"`
	Temperature float64       `json:"temperature"  yaml:"temperature"  validate:"gte=0,lte=2"`
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout" validate:"gt=0"`

	Retry          RetryConfig          `json:"retry"           yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `json:"rate_limit"      yaml:"rate_limit"`
	Observability  ObservabilityConfig  `json:"observability"   yaml:"observability"`
}

// RetryConfig controls exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"     yaml:"max_attempts"     validate:"gte=1"`
	MaxElapsedTime  time.Duration `json:"max_elapsed_time" yaml:"max_elapsed_time" validate:"gte=0"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `json:"max_interval"     yaml:"max_interval"     validate:"gtefield=InitialInterval"`
	Multiplier      float64       `json:"multiplier"       yaml:"multiplier"       validate:"gte=1"`
	UseJitter       bool          `json:"use_jitter"       yaml:"use_jitter"`
}

// CircuitBreakerConfig controls fail-fast behavior during provider outages.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `json:"open_timeout"      yaml:"open_timeout"      validate:"gt=0"`
	HalfOpenProbes   int           `json:"half_open_probes"  yaml:"half_open_probes"  validate:"gte=1"`
	MaxBreakers      int           `json:"max_breakers"      yaml:"max_breakers"      validate:"gte=0"`
}

// RateLimitConfig configures the local token bucket.
type RateLimitConfig struct {
	Enabled         bool    `json:"enabled"           yaml:"enabled"`
	TokensPerSecond float64 `json:"tokens_per_second" yaml:"tokens_per_second" validate:"required_if=Enabled true,gte=0"`
	BurstSize       int     `json:"burst_size"        yaml:"burst_size"        validate:"required_if=Enabled true,gte=0"`
}

// ObservabilityConfig controls request logging.
type ObservabilityConfig struct {
	LogLevel      string `json:"log_level"      yaml:"log_level"      validate:"omitempty,oneof=debug info warn error"`
	RedactPrompts bool   `json:"redact_prompts" yaml:"redact_prompts"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}
	return nil
}
