package stage

import (
	"context"
	"fmt"

	"sieve/internal/services"
	"sieve/internal/store"
)

// RequireEntity rejects jobs that do not reference an entity.
func RequireEntity(job *store.Job) error {
	if job == nil {
		return services.Wrap(services.ErrValidation, "stage", "job", "job is required", nil)
	}
	if job.EntityID <= 0 {
		return services.Wrap(services.ErrValidation, string(job.Stage), "job",
			fmt.Sprintf("job %d has no entity id", job.ID), nil)
	}
	return nil
}

// Liveness reports whether a workspace is still active.
type Liveness interface {
	WorkspaceActive(ctx context.Context, id string) (bool, error)
}

// EnsureLive returns ErrCancelled when the workspace was deleted.
func EnsureLive(ctx context.Context, st Liveness, stageName, workspaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	live, err := st.WorkspaceActive(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !live {
		return services.Wrap(services.ErrCancelled, stageName, "workspace", "workspace "+workspaceID+" is deleted", nil)
	}
	return nil
}
