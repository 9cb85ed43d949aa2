package router

import (
	"testing"
	"time"
)

func TestBreakerOpensAndAllowsTrialAfterCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(2, time.Minute, func() time.Time { return now })

	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
	if b.Failure() {
		t.Fatal("breaker opened before threshold")
	}
	if !b.Failure() {
		t.Fatal("breaker should open at threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker must refuse")
	}

	now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("expected one trial after cooldown")
	}
	if b.Allow() {
		t.Fatal("only one trial may run")
	}
	if !b.Failure() {
		t.Fatal("failed trial should reopen the breaker")
	}
	now = now.Add(time.Minute)
	if !b.Allow() {
		t.Fatal("expected another trial")
	}
	b.Success()
	if !b.Allow() || b.Open() {
		t.Fatal("successful trial should close the breaker")
	}
}

func TestComplexityBounds(t *testing.T) {
	tests := []struct {
		name    string
		content string
		min     float64
		max     float64
	}{
		{"empty", "", 0, 0},
		{"short single topic", "Export is slow", 0, 0.1},
		{"mixed sentiment", "I love the editor but sync is slow and broken", 0.1, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Complexity(tt.content)
			if got < tt.min || got > tt.max {
				t.Fatalf("Complexity = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	r := &Router{backoffBase: 100 * time.Millisecond, backoffMax: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := r.backoffDelay(i + 1); got != w {
			t.Fatalf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
