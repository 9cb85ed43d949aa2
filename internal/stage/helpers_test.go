package stage

import (
	"context"
	"errors"
	"testing"

	"sieve/internal/services"
	"sieve/internal/store"
)

type fakeLiveness map[string]bool

func (f fakeLiveness) WorkspaceActive(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

func TestRequireEntity(t *testing.T) {
	if err := RequireEntity(&store.Job{ID: 1, Stage: store.StageEmbed, EntityID: 7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := RequireEntity(&store.Job{ID: 1, Stage: store.StageEmbed}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := RequireEntity(nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for nil job, got %v", err)
	}
}

func TestEnsureLive(t *testing.T) {
	live := fakeLiveness{"a": true}
	if err := EnsureLive(context.Background(), live, "embed", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := EnsureLive(context.Background(), live, "embed", "gone"); !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := EnsureLive(ctx, live, "embed", "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
