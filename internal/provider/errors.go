package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Cloud API error codes that signal throttling rather than a bad request.
var rateLimitErrorCodes = map[int]struct{}{
	4:      {}, // application request limit
	80007:  {}, // WABA rate limit
	130429: {}, // throughput limit
	131048: {}, // spam rate limit
	131056: {}, // business/consumer pair rate limit
}

// ProviderError classifies downstream API failures.
type ProviderError struct {
	StatusCode  int
	Code        int
	Message     string
	Transient   bool
	RateLimited bool
	Cause       error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error may succeed if the call is repeated.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient || providerErr.RateLimited
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsRateLimited reports whether the downstream API throttled the request.
func IsRateLimited(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.RateLimited
	}
	return false
}

func isRateLimitResponse(statusCode int, code int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	_, ok := rateLimitErrorCodes[code]
	return ok
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}
