package llms

import (
	"context"
	"log/slog"
	"time"

	"github.com/fractalhq/fractal/pkg/fault"
)

// Backoff parameters for provider retries.
const (
	retryInitialDelay = 1 * time.Second
	retryBase         = 2
	retryMaxDelay     = 60 * time.Second
	retryMaxAttempts  = 3
)

// Retry runs fn up to three times, backing off exponentially (1s, 2s, 4s...
// capped at 60s) between attempts. Only provider faults classified as
// timeout, rate limit, or transient connection failures are retried; any
// other error returns immediately.
func Retry[T any](ctx context.Context, provider string, fn func() (T, error)) (T, error) {
	var zero T
	delay := retryInitialDelay

	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !fault.IsRetryable(err) || attempt == retryMaxAttempts {
			return zero, err
		}

		slog.Warn("retrying provider call",
			"provider", provider,
			"attempt", attempt,
			"class", fault.RetryClassOf(err),
			"delay", delay)

		select {
		case <-ctx.Done():
			return zero, fault.LLMProvider(provider, fault.RetryNone, ctx.Err())
		case <-time.After(delay):
		}

		delay *= retryBase
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return zero, lastErr
}

// classifyHTTP maps an HTTP status to a retry class.
func classifyHTTP(status int) fault.RetryClass {
	switch {
	case status == 429:
		return fault.RetryRateLimit
	case status == 408 || status == 504:
		return fault.RetryTimeout
	case status >= 500:
		return fault.RetryConnection
	default:
		return fault.RetryNone
	}
}
