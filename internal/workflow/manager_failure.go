package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sieve/internal/logging"
	"sieve/internal/metrics"
	"sieve/internal/services"
	"sieve/internal/stage"
	"sieve/internal/store"
)

const maxRetryAfter = 5 * time.Minute

// handleJobFailure settles a job whose handler returned an error. Bookkeeping
// runs detached from the job context, which may already be cancelled.
func (m *Manager) handleJobFailure(runCtx, jobCtx context.Context, lane *laneState, job *store.Job, jobErr error, elapsed time.Duration) {
	ctx := context.WithoutCancel(jobCtx)
	logger := logging.WithContext(jobCtx, lane.logger)
	reason := services.Details(jobErr)

	outcome, err := m.settle(ctx, runCtx, jobCtx, lane, job, jobErr, reason)
	if err != nil {
		logger.Error("failed to persist job failure", logging.Error(err))
	}
	metrics.JobProcessed(string(job.Stage), outcome, elapsed)
	m.setLastJob(job)

	attrs := []logging.Attr{
		logging.String("outcome", outcome),
		logging.Int("attempt", job.Attempts),
		logging.Int64("entity_id", job.EntityID),
		logging.String("disposition", string(services.Classify(jobErr))),
		logging.Error(jobErr),
	}
	switch outcome {
	case outcomeInterrupted, outcomeCancelled:
		logger.Info("stage stopped", logging.Args(append(attrs, logging.String(logging.FieldEventType, "stage_"+outcome))...)...)
	case outcomeRetried:
		logging.WarnWithContext(logger, "stage failed; job requeued", "stage_retry",
			append(attrs,
				logging.String(logging.FieldErrorHint, "transient failure; the job retries automatically"),
				logging.String(logging.FieldImpact, "stage output delayed"),
			)...)
	default:
		m.setLastError(jobErr)
		logging.ErrorWithContext(logger, "stage failed", "stage_failure",
			append(attrs,
				logging.Alert("stage_failure"),
				logging.String(logging.FieldErrorHint, "inspect with `sieve jobs list --failed` and resume with `sieve jobs retry`"),
			)...)
	}
}

const (
	outcomeDone        = "done"
	outcomeRetried     = "retried"
	outcomeFailed      = "failed"
	outcomeCancelled   = "cancelled"
	outcomeInterrupted = "interrupted"
)

func (m *Manager) settle(ctx, runCtx, jobCtx context.Context, lane *laneState, job *store.Job, jobErr error, reason string) (string, error) {
	cause := context.Cause(jobCtx)
	switch {
	case errors.Is(cause, services.ErrCancelled) || errors.Is(jobErr, services.ErrCancelled):
		return outcomeCancelled, m.store.CancelJob(ctx, job.ID, reason)
	case runCtx.Err() != nil && errors.Is(jobErr, context.Canceled):
		return outcomeInterrupted, m.store.RequeueJob(ctx, job.ID, time.Now(), "interrupted by shutdown")
	}

	switch services.Classify(jobErr) {
	case services.DispositionNoop:
		return outcomeDone, m.store.CompleteJob(ctx, job.ID)
	case services.DispositionRetry:
		if job.Attempts < m.cfg.Workflow.MaxAttempts {
			return outcomeRetried, m.store.RequeueJob(ctx, job.ID, time.Now().Add(m.retryDelay(job, jobErr)), reason)
		}
		reason = fmt.Sprintf("gave up after %d attempts: %s", job.Attempts, reason)
		err := m.fail(ctx, lane, job, reason)
		m.raiseAlert(ctx, store.OperatorAlert{
			WorkspaceID: job.WorkspaceID,
			Kind:        "job_exhausted",
			Subject:     fmt.Sprintf("%s job %d (entity %d)", job.Stage, job.ID, job.EntityID),
			Message:     reason,
		})
		return outcomeFailed, err
	case services.DispositionAbort:
		err := m.fail(ctx, lane, job, reason)
		switch {
		case errors.Is(jobErr, services.ErrFatalConfig):
			m.raiseAlert(ctx, store.OperatorAlert{
				WorkspaceID: job.WorkspaceID,
				Kind:        "fatal_config",
				Subject:     fmt.Sprintf("%s job %d", job.Stage, job.ID),
				Message:     reason,
			})
		// The dispatcher records its own sync_failed alert.
		case errors.Is(jobErr, services.ErrExhausted) && job.Stage != store.StageSync:
			m.raiseAlert(ctx, store.OperatorAlert{
				WorkspaceID: job.WorkspaceID,
				Kind:        "job_exhausted",
				Subject:     fmt.Sprintf("%s job %d (entity %d)", job.Stage, job.ID, job.EntityID),
				Message:     reason,
			})
		}
		return outcomeFailed, err
	default:
		return outcomeFailed, m.fail(ctx, lane, job, reason)
	}
}

// retryDelay is the exponential job backoff, stretched to a declared
// Retry-After when the failure carried one.
func (m *Manager) retryDelay(job *store.Job, jobErr error) time.Duration {
	delay := m.cfg.RetryDelay(job.Attempts)
	if after, ok := services.RetryAfter(jobErr); ok && after > delay {
		delay = min(after, maxRetryAfter)
	}
	return delay
}

func (m *Manager) fail(ctx context.Context, lane *laneState, job *store.Job, reason string) error {
	err := m.store.FailJob(ctx, job.ID, reason)
	if recorder, ok := lane.handler.(stage.FailureRecorder); ok {
		if recErr := recorder.RecordFailure(ctx, job, reason); recErr != nil {
			err = errors.Join(err, recErr)
		}
	}
	return err
}
