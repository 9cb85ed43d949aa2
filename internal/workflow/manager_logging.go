package workflow

import (
	"context"
	"strings"

	"sieve/internal/services"
	"sieve/internal/store"
)

func withJobContext(ctx context.Context, job *store.Job, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if job != nil {
		ctx = services.WithJobID(ctx, job.ID)
		ctx = services.WithStage(ctx, string(job.Stage))
		if ws := strings.TrimSpace(job.WorkspaceID); ws != "" {
			ctx = services.WithWorkspace(ctx, ws)
		}
	}
	if requestID != "" {
		ctx = services.WithRequestID(ctx, requestID)
	}
	return ctx
}
