// Package httpclient provides a retrying HTTP client shared by the web tool
// and the MCP HTTP transport. Retries honor rate-limit headers when the
// server sends them and fall back to exponential backoff otherwise.
package httpclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryStrategy classifies how a failed response should be retried.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota

	// ConservativeRetry allows up to two quick retries for transient
	// server errors.
	ConservativeRetry

	// SmartRetry waits out the server's advertised rate-limit window.
	SmartRetry
)

// RateLimitInfo is what a server told us about its rate limiting.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// Client wraps http.Client with status-aware retries.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	strategyOf func(int) RetryStrategy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxRetries caps the number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the backoff base.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithStrategy replaces the status-code classification.
func WithStrategy(fn func(int) RetryStrategy) Option {
	return func(c *Client) { c.strategyOf = fn }
}

// New creates a client with sane retry defaults.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 5,
		baseDelay:  2 * time.Second,
		strategyOf: DefaultStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultStrategy maps HTTP status codes to retry strategies.
func DefaultStrategy(status int) RetryStrategy {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request, retrying per strategy. The request context bounds
// the whole exchange including backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreating request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategyOf(resp.StatusCode)
		info := ParseRateLimitHeaders(resp.Header)
		delay := c.delayFor(strategy, attempt, info)

		if strategy == NoRetry || delay <= 0 || attempt >= c.maxRetries {
			if strategy == NoRetry {
				return resp, fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("giving up after %d attempts", attempt+1),
				RetryAfter: delay,
			}
		}

		resp.Body.Close()
		slog.Debug("retrying request",
			"url", req.URL.Redacted(),
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1)

		if err := sleep(req.Context(), delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if d := time.Until(time.Unix(info.ResetTime, 0)); d > 0 {
				return d
			}
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		return backoff + time.Duration(float64(backoff)*0.1)

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
