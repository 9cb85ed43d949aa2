package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Completion is the text and token usage returned by a chat model.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens returns prompt plus completion tokens.
func (c Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// StatusError tags an HTTP failure from an external service with the marker
// its status code implies: 429 becomes a RateLimitError, 408 and 5xx are
// transient, 401 and 403 are fatal configuration errors, 409 is a duplicate
// push, and other 4xx responses are validation errors.
func StatusError(provider string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Provider: provider, RetryAfter: retryAfter, Err: err}
	case status == http.StatusRequestTimeout, status >= http.StatusInternalServerError:
		return Wrap(ErrTransient, provider, "request", fmt.Sprintf("http %d", status), err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Wrap(ErrFatalConfig, provider, "request", fmt.Sprintf("http %d: check credentials", status), err)
	case status == http.StatusConflict:
		return Wrap(ErrDuplicatePush, provider, "request", "already exists", err)
	default:
		return Wrap(ErrValidation, provider, "request", fmt.Sprintf("http %d", status), err)
	}
}

// TransportError tags network failures. Timeouts and connection errors are
// transient; cancellation passes through unchanged.
func TransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrTransient, provider, "request", "timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(ErrTransient, provider, "request", "network error", err)
	}
	return Wrap(ErrTransient, provider, "request", "", err)
}

// ParseRetryAfter reads a Retry-After header value as seconds or an HTTP date.
func ParseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
