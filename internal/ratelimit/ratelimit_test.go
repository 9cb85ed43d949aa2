package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"sieve/internal/services"
)

func TestWaitWithoutLimiterReturnsImmediately(t *testing.T) {
	reg := NewRegistry(time.Second)
	for i := 0; i < 100; i++ {
		if err := reg.Wait(context.Background(), "provider:cheap"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	var nilReg *Registry
	if err := nilReg.Wait(context.Background(), "x"); err != nil {
		t.Fatalf("nil registry Wait: %v", err)
	}
}

func TestWaitTimeoutIsTransient(t *testing.T) {
	reg := NewRegistry(20 * time.Millisecond)
	reg.Register(SourceKey("intercom"), 0.01, 1)

	if err := reg.Wait(context.Background(), SourceKey("intercom")); err != nil {
		t.Fatalf("first Wait should consume the burst token: %v", err)
	}
	err := reg.Wait(context.Background(), SourceKey("intercom"))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestWaitHonorsParentCancellation(t *testing.T) {
	reg := NewRegistry(time.Minute)
	reg.Register(TargetKey("linear"), 0.01, 1)
	_ = reg.Wait(context.Background(), TargetKey("linear"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := reg.Wait(ctx, TargetKey("linear"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegisterZeroRateRemovesLimit(t *testing.T) {
	reg := NewRegistry(time.Second)
	reg.Register(ProviderKey("mid"), 1, 1)
	if !reg.Limited(ProviderKey("mid")) {
		t.Fatal("expected limiter to be registered")
	}
	reg.Register(ProviderKey("mid"), 0, 0)
	if reg.Limited(ProviderKey("mid")) {
		t.Fatal("expected limiter to be removed")
	}
}
