package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRateLimitHeaders extracts rate-limit hints from a response. It
// understands the standard Retry-After header plus the reset and remaining
// header families used by the major LLM vendors.
func ParseRateLimitHeaders(headers http.Header) RateLimitInfo {
	var info RateLimitInfo

	if v := headers.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				info.RetryAfter = d
			}
		}
	}

	// Reset timestamps: RFC3339 (anthropic-*) or unix seconds (x-*).
	for _, h := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset-tokens",
	} {
		v := headers.Get(h)
		if v == "" {
			continue
		}
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetTime = at.Unix()
			break
		}
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetTime = unix
			break
		}
	}

	for _, h := range []string{"anthropic-ratelimit-requests-remaining", "x-ratelimit-remaining-requests"} {
		if v := headers.Get(h); v != "" {
			info.RequestsRemaining, _ = strconv.Atoi(v)
			break
		}
	}
	for _, h := range []string{"anthropic-ratelimit-input-tokens-remaining", "x-ratelimit-remaining-tokens"} {
		if v := headers.Get(h); v != "" {
			info.TokensRemaining, _ = strconv.Atoi(v)
			break
		}
	}

	return info
}
