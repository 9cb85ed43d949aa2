package stage

import (
	"context"

	"sieve/internal/store"
)

// Handler describes the contract the workflow manager needs from each stage.
// Execute receives a claimed job; the manager owns completion, retry, and
// failure bookkeeping based on the returned error.
type Handler interface {
	Execute(context.Context, *store.Job) error
	HealthCheck(context.Context) Health
}

// FailureRecorder handlers persist a terminal failure reason on the entity
// the job referenced once the manager gives up on it.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, job *store.Job, reason string) error
}
