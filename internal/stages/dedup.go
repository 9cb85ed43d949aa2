package stages

import (
	"context"

	"sieve/internal/dedup"
	"sieve/internal/stage"
	"sieve/internal/store"
)

// Dedup assigns an embedded item to a cluster. The engine schedules the
// debounced analysis itself.
type Dedup struct {
	engine *dedup.Engine
}

// NewDedup builds the dedup handler.
func NewDedup(engine *dedup.Engine) *Dedup {
	return &Dedup{engine: engine}
}

// Execute implements stage.Handler.
func (h *Dedup) Execute(ctx context.Context, job *store.Job) error {
	if err := stage.RequireEntity(job); err != nil {
		return err
	}
	_, err := h.engine.Assign(ctx, job.EntityID)
	return err
}

// HealthCheck implements stage.Handler.
func (h *Dedup) HealthCheck(context.Context) stage.Health {
	if h.engine == nil {
		return stage.Missing(store.StageDedup, "dedup engine")
	}
	return stage.Healthy(store.StageDedup)
}
