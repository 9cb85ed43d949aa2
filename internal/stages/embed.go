package stages

import (
	"context"
	"fmt"

	"sieve/internal/embedding"
	"sieve/internal/services"
	"sieve/internal/stage"
	"sieve/internal/store"
)

// Embed computes the vector of a feedback item and schedules assignment.
type Embed struct {
	store    *store.Store
	embedder embedding.Embedder
}

// NewEmbed builds the embed handler.
func NewEmbed(st *store.Store, embedder embedding.Embedder) *Embed {
	return &Embed{store: st, embedder: embedder}
}

// Execute implements stage.Handler. A vector that already matches the
// item's content is reused.
func (h *Embed) Execute(ctx context.Context, job *store.Job) error {
	if err := stage.RequireEntity(job); err != nil {
		return err
	}
	item, err := h.store.GetFeedback(ctx, job.EntityID)
	if err != nil {
		return err
	}
	if item == nil {
		return services.Wrap(services.ErrNotFound, "embed", "load item", fmt.Sprintf("feedback item %d", job.EntityID), nil)
	}
	if err := stage.EnsureLive(ctx, h.store, "embed", item.WorkspaceID); err != nil {
		return err
	}

	current, err := h.store.GetEmbedding(ctx, item.ID)
	if err != nil {
		return err
	}
	if current == nil || current.ContentHash != item.ContentHash || current.Model != h.embedder.Model() || item.EmbeddingStale {
		vector, err := h.embedder.Embed(ctx, item.Content)
		if err != nil {
			return err
		}
		if err := stage.EnsureLive(ctx, h.store, "embed", item.WorkspaceID); err != nil {
			return err
		}
		if err := h.store.SaveEmbedding(ctx, store.Embedding{
			FeedbackItemID: item.ID,
			Vector:         vector,
			Model:          h.embedder.Model(),
			ContentHash:    item.ContentHash,
		}); err != nil {
			return err
		}
	}

	_, err = h.store.Enqueue(ctx, store.NewJob{
		WorkspaceID: item.WorkspaceID,
		Stage:       store.StageDedup,
		EntityID:    item.ID,
	})
	return err
}

// HealthCheck implements stage.Handler.
func (h *Embed) HealthCheck(context.Context) stage.Health {
	if h.embedder == nil {
		return stage.Missing(store.StageEmbed, "embedder")
	}
	return stage.Healthy(store.StageEmbed)
}
