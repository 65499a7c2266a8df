// Package llm is the language-model gateway used by workflow effects to
// amend or regenerate announcement text. Calls run through a middleware
// chain of logging, retry, rate limiting, and circuit breaking.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ahrav/go-parley/internal/llm/circuitbreaker"
	"github.com/ahrav/go-parley/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-parley/internal/llm/errors"
	"github.com/ahrav/go-parley/internal/llm/providers"
	"github.com/ahrav/go-parley/internal/llm/ratelimit"
	"github.com/ahrav/go-parley/internal/llm/retry"
	"github.com/ahrav/go-parley/internal/llm/transport"
)

// ErrDisabled is returned by a gateway that has no provider configured.
var ErrDisabled = errors.New("language model gateway disabled")

// ErrEmptyCompletion is returned when the provider answers with blank text.
var ErrEmptyCompletion = errors.New("empty completion")

// Prompt is one instruction to the model.
type Prompt struct {
	System string
	User   string
	// MaxTokens overrides the configured completion limit when positive.
	MaxTokens int
}

// Gateway turns a prompt into text.
type Gateway interface {
	Request(ctx context.Context, p Prompt) (string, error)
}

// Client is the production Gateway.
type Client struct {
	cfg     configuration.Config
	handler transport.Handler
	breaker *circuitbreaker.Middleware
	logger  *slog.Logger
}

var _ Gateway = (*Client)(nil)

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	adapter    transport.ProviderAdapter
	logger     *slog.Logger
	observer   Observer
	retryOpts  []retry.Option
}

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithAdapter replaces the provider adapter.
func WithAdapter(a transport.ProviderAdapter) Option {
	return func(o *clientOptions) { o.adapter = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithObserver receives one callback per completed call.
func WithObserver(obs Observer) Option {
	return func(o *clientOptions) { o.observer = obs }
}

// WithRetryOptions passes options to the retry middleware.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *clientOptions) { o.retryOpts = append(o.retryOpts, opts...) }
}

// NewClient builds the middleware chain for cfg.
func NewClient(cfg configuration.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := clientOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if o.adapter == nil {
		o.adapter = providers.NewOpenAIAdapter(cfg.Endpoint, cfg.APIKey)
	}

	retryMW, err := retry.NewRetryMiddlewareWithConfig(cfg.Retry, append([]retry.Option{retry.WithLogger(o.logger)}, o.retryOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("retry middleware: %w", err)
	}
	rateMW, err := ratelimit.NewRateLimitMiddleware(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit middleware: %w", err)
	}
	breaker, err := circuitbreaker.New(o.adapter.Name(), cfg.CircuitBreaker, circuitbreaker.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("circuit breaker middleware: %w", err)
	}

	core := transport.NewHTTPHandler(o.httpClient, o.adapter)
	handler := transport.Chain(core,
		NewLoggingMiddleware(cfg.Observability, o.logger, o.observer),
		retryMW,
		rateMW,
		breaker.Middleware(),
	)

	return &Client{cfg: cfg, handler: handler, breaker: breaker, logger: o.logger}, nil
}

// Request implements Gateway.
func (c *Client) Request(ctx context.Context, p Prompt) (string, error) {
	maxTokens := c.cfg.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	resp, err := c.handler.Handle(ctx, &transport.Request{
		Model:        c.cfg.Model,
		SystemPrompt: p.System,
		UserPrompt:   p.User,
		MaxTokens:    maxTokens,
		Temperature:  c.cfg.Temperature,
		Timeout:      c.cfg.HTTPTimeout,
		TraceID:      uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: %w", llmerrors.ErrInvalidResponse, ErrEmptyCompletion)
	}
	return text, nil
}

// BreakerState reports the circuit state of the configured model.
func (c *Client) BreakerState() circuitbreaker.CircuitState {
	return c.breaker.State(c.cfg.Model)
}

// Disabled is the Gateway used when no provider is configured.
type Disabled struct{}

// Request implements Gateway.
func (Disabled) Request(context.Context, Prompt) (string, error) { return "", ErrDisabled }

// New returns a Client when cfg is enabled and Disabled otherwise.
func New(cfg configuration.Config, opts ...Option) (Gateway, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	return NewClient(cfg, opts...)
}
