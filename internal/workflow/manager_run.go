package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sieve/internal/logging"
)

// Start begins background processing: every lane gets its configured number
// of workers, plus one goroutine reclaiming jobs with expired heartbeats.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	lanes := append([]*laneState(nil), m.lanes...)
	if len(lanes) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.running = true

	workers := 0
	for _, lane := range lanes {
		workers += max(lane.workers, 1)
	}
	m.wg.Add(workers + 1)
	m.mu.Unlock()

	for _, lane := range lanes {
		for i := 0; i < max(lane.workers, 1); i++ {
			go m.runWorker(runCtx, lane)
		}
	}
	go m.runReclaimer(runCtx)

	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_start"),
		logging.Int("lanes", len(lanes)),
		logging.Int("workers", workers),
	)
	return nil
}

// Stop terminates background processing and waits for in-flight jobs to
// settle. Interrupted jobs return to pending.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runWorker(ctx context.Context, lane *laneState) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.ClaimNext(ctx, lane.stage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleClaimError(ctx, lane.logger, err)
			continue
		}
		if job == nil {
			m.waitForJobOrShutdown(ctx)
			continue
		}
		m.processJob(ctx, lane, job)
	}
}

func (m *Manager) runReclaimer(ctx context.Context) {
	defer m.wg.Done()
	interval := m.heartbeat.heartbeatInterval
	if interval <= 0 {
		interval = m.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.heartbeat.ReclaimStaleJobs(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("reclaim stale jobs failed; stuck jobs may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) handleClaimError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logger.Error("failed to claim next job",
		logging.Error(err),
		logging.String(logging.FieldEventType, "job_claim_failed"),
		logging.String(logging.FieldErrorHint, "check database access"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(m.cfg.RetryDelay(1)):
	}
}

func (m *Manager) waitForJobOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.pollInterval):
	}
}

// DrainResult summarizes a Drain call.
type DrainResult struct {
	Processed int
	Failed    int
	Duration  time.Duration
}

// Drain processes jobs in the calling goroutine until none are left, for
// one-shot runs. With waitDelayed set it also sleeps until debounced or
// backed-off jobs become available; otherwise it stops once nothing is
// claimable right now. Drain must not run concurrently with Start.
func (m *Manager) Drain(ctx context.Context, waitDelayed bool) (DrainResult, error) {
	m.mu.RLock()
	lanes := append([]*laneState(nil), m.lanes...)
	m.mu.RUnlock()
	if len(lanes) == 0 {
		return DrainResult{}, errors.New("workflow stages not configured")
	}

	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	start := time.Now()
	var result DrainResult
	for {
		progressed := false
		for _, lane := range lanes {
			for {
				if err := ctx.Err(); err != nil {
					result.Duration = time.Since(start)
					return result, err
				}
				job, err := m.store.ClaimNext(ctx, lane.stage)
				if err != nil {
					result.Duration = time.Since(start)
					return result, err
				}
				if job == nil {
					break
				}
				progressed = true
				if m.processJob(ctx, lane, job) {
					result.Processed++
				} else {
					result.Failed++
				}
			}
		}
		if progressed {
			continue
		}
		if !waitDelayed {
			break
		}
		next, err := m.store.NextAvailableAt(ctx)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if next == nil {
			break
		}
		if err := sleepUntil(ctx, *next); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	result.Duration = time.Since(start)
	if result.Processed+result.Failed > 0 {
		if err := m.notifier.NotifyDrained(ctx, result.Processed, result.Failed, result.Duration); err != nil {
			m.logger.Debug("drain notification failed", logging.Error(err))
		}
	}
	return result, nil
}

func sleepUntil(ctx context.Context, at time.Time) error {
	delay := time.Until(at)
	if delay <= 0 {
		delay = time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
