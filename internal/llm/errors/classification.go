package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classify maps an error from the pipeline to a ClassifiedError. Typed
// errors are checked first, then sentinels, then message patterns.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return &ClassifiedError{
			Type:      providerErr.Type,
			Message:   providerErr.Message,
			Code:      providerErr.Code,
			Retryable: providerErr.IsRetryable(),
			Cause:     err,
		}
	}

	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return &ClassifiedError{Type: ErrorTypeRateLimit, Message: err.Error(), Code: "RATE_LIMIT", Retryable: true, Cause: err}
	case errors.Is(err, ErrCircuitBreakerOpen):
		// Retrying into an open breaker only burns the backoff budget.
		return &ClassifiedError{Type: ErrorTypeCircuitBreaker, Message: err.Error(), Code: "CIRCUIT_BREAKER", Retryable: false, Cause: err}
	case errors.Is(err, ErrProviderUnavailable):
		return &ClassifiedError{Type: ErrorTypeProvider, Message: err.Error(), Code: "PROVIDER_UNAVAILABLE", Retryable: true, Cause: err}
	case errors.Is(err, ErrInvalidResponse):
		return &ClassifiedError{Type: ErrorTypeValidation, Message: err.Error(), Code: "INVALID_RESPONSE", Retryable: false, Cause: err}
	case errors.Is(err, ErrMaxRetriesExceeded):
		return &ClassifiedError{Type: ErrorTypeProvider, Message: err.Error(), Code: "MAX_RETRIES", Retryable: false, Cause: err}
	case errors.Is(err, context.Canceled):
		return &ClassifiedError{Type: ErrorTypeUnknown, Message: "request cancelled", Code: "CANCELLED", Retryable: false, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ClassifiedError{Type: ErrorTypeTimeout, Message: "request timeout", Code: "TIMEOUT", Retryable: true, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &ClassifiedError{Type: ErrorTypeTimeout, Message: "request timeout", Code: "TIMEOUT", Retryable: true, Cause: err}
		}
		return &ClassifiedError{Type: ErrorTypeNetwork, Message: "network error", Code: "NETWORK_ERROR", Retryable: true, Cause: err}
	}

	return classifyMessage(err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	c := Classify(err)
	return c != nil && c.Retryable
}

func classifyMessage(err error) *ClassifiedError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return &ClassifiedError{Type: ErrorTypeRateLimit, Message: "rate limit exceeded", Code: "RATE_LIMIT", Retryable: true, Cause: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &ClassifiedError{Type: ErrorTypeTimeout, Message: "request timeout", Code: "TIMEOUT", Retryable: true, Cause: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return &ClassifiedError{Type: ErrorTypeAuth, Message: "authentication failed", Code: "AUTH_FAILED", Retryable: false, Cause: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return &ClassifiedError{Type: ErrorTypeNetwork, Message: "network error", Code: "NETWORK_ERROR", Retryable: true, Cause: err}
	default:
		return &ClassifiedError{Type: ErrorTypeUnknown, Message: "unknown error", Code: "UNKNOWN", Retryable: false, Cause: err}
	}
}
