package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahrav/go-parley/internal/llm/configuration"
	llmerrors "github.com/ahrav/go-parley/internal/llm/errors"
	"github.com/ahrav/go-parley/internal/llm/transport"
)

// Observer receives the outcome of every gateway call. The metrics package
// implements it.
type Observer interface {
	ObserveLLMRequest(model, outcome string, duration time.Duration)
}

// NewLoggingMiddleware logs every request and its result. Prompt text is
// logged only when redaction is off, and then only at debug.
func NewLoggingMiddleware(cfg configuration.ObservabilityConfig, logger *slog.Logger, obs Observer) transport.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			fields := []any{
				"trace_id", req.TraceID,
				"model", req.Model,
				"max_tokens", req.MaxTokens,
			}
			if cfg.RedactPrompts {
				fields = append(fields, "prompt_length", len(req.UserPrompt))
			} else {
				fields = append(fields, "prompt", req.UserPrompt)
			}
			logger.DebugContext(ctx, "llm request started", fields...)

			start := time.Now()
			resp, err := next.Handle(ctx, req)
			duration := time.Since(start)

			outcome := "success"
			if err != nil {
				c := llmerrors.Classify(err)
				outcome = string(c.Type)
				logger.WarnContext(ctx, "llm request failed",
					"trace_id", req.TraceID,
					"model", req.Model,
					"error_type", c.Type,
					"retryable", c.Retryable,
					"duration_ms", duration.Milliseconds(),
					"error", err)
			} else {
				logger.InfoContext(ctx, "llm request completed",
					"trace_id", req.TraceID,
					"model", req.Model,
					"finish_reason", resp.FinishReason,
					"total_tokens", resp.Usage.TotalTokens,
					"duration_ms", duration.Milliseconds())
			}
			if obs != nil {
				obs.ObserveLLMRequest(req.Model, outcome, duration)
			}
			return resp, err
		})
	}
}
