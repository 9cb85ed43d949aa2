package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sieve/internal/logging"
	"sieve/internal/metrics"
	"sieve/internal/stage"
	"sieve/internal/store"
)

// processJob runs one claimed job and settles it. It reports whether the job
// completed.
func (m *Manager) processJob(ctx context.Context, lane *laneState, job *store.Job) bool {
	jobCtx, cancel := context.WithCancelCause(withJobContext(ctx, job, uuid.NewString()))
	defer cancel(nil)
	m.track(job, cancel)
	defer m.untrack(job.ID)

	logger := logging.WithContext(jobCtx, lane.logger)
	logger.Debug("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int64("entity_id", job.EntityID),
		logging.Int("attempt", job.Attempts),
	)

	start := time.Now()
	execErr := m.executeWithHeartbeat(jobCtx, lane.handler, job)
	elapsed := time.Since(start)
	if execErr != nil {
		m.handleJobFailure(ctx, jobCtx, lane, job, execErr, elapsed)
		return false
	}

	if err := m.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		logger.Error("failed to persist job completion", logging.Error(err))
		m.setLastError(err)
		return false
	}
	metrics.JobProcessed(string(job.Stage), "done", elapsed)
	logger.Debug("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", elapsed),
	)
	m.setLastJob(job)
	return true
}

func (m *Manager) executeWithHeartbeat(ctx context.Context, handler stage.Handler, job *store.Job) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, job.ID)

	execErr := handler.Execute(ctx, job)
	hbCancel()
	hbWG.Wait()
	return execErr
}

func (m *Manager) track(job *store.Job, cancel context.CancelCauseFunc) {
	m.mu.Lock()
	m.inflight[job.ID] = inflightJob{workspaceID: job.WorkspaceID, cancel: cancel}
	m.mu.Unlock()
}

func (m *Manager) untrack(id int64) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}
