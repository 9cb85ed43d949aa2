package stages

import (
	"context"
	"fmt"
	"strings"

	"sieve/internal/dispatch"
	"sieve/internal/services"
	"sieve/internal/stage"
	"sieve/internal/store"
)

// Sync pushes one requirement to the target named in the job payload.
type Sync struct {
	dispatcher *dispatch.Dispatcher
}

// NewSync builds the sync handler.
func NewSync(d *dispatch.Dispatcher) *Sync {
	return &Sync{dispatcher: d}
}

// Execute implements stage.Handler. A push another worker holds is retried
// later rather than waited on.
func (h *Sync) Execute(ctx context.Context, job *store.Job) error {
	if err := stage.RequireEntity(job); err != nil {
		return err
	}
	target := strings.TrimSpace(job.Payload)
	if target == "" {
		return services.Wrap(services.ErrValidation, "sync", "job", fmt.Sprintf("job %d names no target", job.ID), nil)
	}
	out, err := h.dispatcher.Dispatch(ctx, job.EntityID, target)
	if err != nil {
		return err
	}
	if out.Action == dispatch.ActionInProgress {
		return services.Wrap(services.ErrTransient, "sync", "dispatch",
			fmt.Sprintf("push of requirement %d to %s is in progress elsewhere", job.EntityID, target), nil)
	}
	return nil
}

// HealthCheck implements stage.Handler.
func (h *Sync) HealthCheck(context.Context) stage.Health {
	if h.dispatcher == nil {
		return stage.Missing(store.StageSync, "dispatcher")
	}
	if len(h.dispatcher.Targets()) == 0 {
		return stage.Unhealthy(store.StageSync, "no sync targets configured")
	}
	return stage.Healthy(store.StageSync)
}
