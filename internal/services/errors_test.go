package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sieve/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrTransient, "embed", "request", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"embed", "request", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Disposition
	}{
		{"nil", nil, services.DispositionNone},
		{"validation", services.Wrap(services.ErrValidation, "ingest", "normalize", "missing id", nil), services.DispositionReject},
		{"not found", fmt.Errorf("lookup: %w", services.ErrNotFound), services.DispositionReject},
		{"transient", services.Wrap(services.ErrTransient, "sync", "push", "", errors.New("io")), services.DispositionRetry},
		{"rate limited", &services.RateLimitError{RetryAfter: time.Second}, services.DispositionRetry},
		{"malformed", services.Wrap(services.ErrMalformedOutput, "synthesize", "decode", "", nil), services.DispositionReview},
		{"duplicate", services.Wrap(services.ErrDuplicatePush, "sync", "push", "", nil), services.DispositionNoop},
		{"fatal", services.Wrap(services.ErrFatalConfig, "synthesize", "template", "", nil), services.DispositionAbort},
		{"exhausted", services.Wrap(services.ErrExhausted, "sync", "push", "", services.ErrTransient), services.DispositionAbort},
		{"cancelled", context.Canceled, services.DispositionAbort},
		{"unknown", errors.New("something"), services.DispositionRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRateLimitErrorMatchesTransient(t *testing.T) {
	err := fmt.Errorf("call: %w", &services.RateLimitError{Provider: "cheap", RetryAfter: 3 * time.Second})
	if !errors.Is(err, services.ErrRateLimited) {
		t.Fatal("expected rate limited marker")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatal("expected transient marker")
	}
	delay, ok := services.RetryAfter(err)
	if !ok || delay != 3*time.Second {
		t.Fatalf("unexpected retry after %v %v", delay, ok)
	}
}

func TestIsTransientDeadline(t *testing.T) {
	if !services.IsTransient(fmt.Errorf("call: %w", context.DeadlineExceeded)) {
		t.Fatal("expected deadline to be transient")
	}
	if services.IsTransient(services.ErrValidation) {
		t.Fatal("validation must not be transient")
	}
}

func TestDetailsCollapsesWhitespace(t *testing.T) {
	got := services.Details(errors.New("line one\n\tline two"))
	if got != "line one line two" {
		t.Fatalf("unexpected details %q", got)
	}
}
