package stages

import (
	"context"

	"sieve/internal/ingest"
	"sieve/internal/source"
	"sieve/internal/stage"
	"sieve/internal/store"
)

// Ingest normalizes one raw record carried in the job payload.
type Ingest struct {
	normalizer *ingest.Normalizer
}

// NewIngest builds the ingest handler.
func NewIngest(n *ingest.Normalizer) *Ingest {
	return &Ingest{normalizer: n}
}

// Execute implements stage.Handler.
func (h *Ingest) Execute(ctx context.Context, job *store.Job) error {
	ev, err := source.DecodeEvent(job.Payload)
	if err != nil {
		return err
	}
	_, err = h.normalizer.Normalize(ctx, job.WorkspaceID, ev.Source, ev.Item)
	return err
}

// HealthCheck implements stage.Handler.
func (h *Ingest) HealthCheck(context.Context) stage.Health {
	if h.normalizer == nil {
		return stage.Missing(store.StageIngest, "normalizer")
	}
	return stage.Healthy(store.StageIngest)
}
