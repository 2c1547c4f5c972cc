package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ParseStandardHeaders extracts retry info from plain Retry-After headers,
// which is all local daemons (ollama, text-embeddings-inference) emit.
func ParseStandardHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			info.ResetTime = at.Unix()
		}
	}

	return info
}

// ParseOpenAIHeaders extracts rate limit info from OpenAI-compatible servers
// (vLLM and similar).
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := ParseStandardHeaders(headers)

	resetHeaders := []string{
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset-requests",
	}
	for _, header := range resetHeaders {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
				info.ResetTime = resetTime
				break
			}
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.TokensRemaining)
	}

	return info
}
