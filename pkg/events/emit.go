package events

import (
	"context"
	"log/slog"
	"time"
)

// EmitSafe provides best-effort event emission with one short retry.
// Events matter for observability but never for correctness, so failures are
// logged and swallowed. A nil sink skips emission.
func EmitSafe(ctx context.Context, sink EventSink, logger *slog.Logger, envelope Envelope) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	const maxAttempts = 2
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				logger.WarnContext(ctx, "event emission cancelled",
					"event_type", envelope.Type, "session_id", envelope.SessionID)
				return
			}
		}
		if err := sink.Append(ctx, envelope); err != nil {
			lastErr = err
			continue
		}
		return
	}

	logger.ErrorContext(ctx, "failed to emit event",
		"event_type", envelope.Type,
		"session_id", envelope.SessionID,
		"attempts", maxAttempts,
		"error", lastErr)
}
