package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrTransient       = errors.New("transient failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrMalformedOutput = errors.New("malformed model output")
	ErrDuplicatePush   = errors.New("duplicate push")
	ErrFatalConfig     = errors.New("fatal configuration error")
	ErrNotFound        = errors.New("not found")
	ErrCancelled       = errors.New("cancelled")
	// ErrExhausted marks an operation that already spent its own retry budget.
	ErrExhausted       = errors.New("retries exhausted")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// RateLimitError reports a provider or target throttling response. It matches
// both ErrRateLimited and ErrTransient.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited || target == ErrTransient
}

// RetryAfter returns the declared retry delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Disposition describes what the owner of a failed operation should do next.
type Disposition string

const (
	DispositionNone   Disposition = ""
	DispositionRetry  Disposition = "retry"
	DispositionReject Disposition = "reject"
	DispositionReview Disposition = "review"
	DispositionNoop   Disposition = "noop"
	DispositionAbort  Disposition = "abort"
)

// Classify maps an error to a recovery disposition. Unknown errors are treated
// as transient.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return DispositionAbort
	case errors.Is(err, ErrFatalConfig), errors.Is(err, ErrExhausted):
		return DispositionAbort
	case errors.Is(err, ErrDuplicatePush):
		return DispositionNoop
	case errors.Is(err, ErrMalformedOutput):
		return DispositionReview
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return DispositionReject
	default:
		return DispositionRetry
	}
}

// IsTransient reports whether err is worth retrying. Deadline expiry counts as
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return Classify(err) == DispositionRetry
}

// Details returns a short, single-line description suitable for persisting as
// a failure reason.
func Details(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	const limit = 500
	if len(msg) > limit {
		msg = msg[:limit]
	}
	return msg
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
