package workflow

import (
	"context"

	"sieve/internal/logging"
	"sieve/internal/stage"
	"sieve/internal/store"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	LastError   string
	LastJob     *store.Job
	InFlight    int
	JobCounts   map[store.JobStatus]int
	StageHealth map[string]stage.Health
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastJob := m.lastJob
	inflight := len(m.inflight)
	lanes := append([]*laneState(nil), m.lanes...)
	m.mu.RUnlock()

	counts, err := m.store.JobCounts(ctx)
	if err != nil {
		m.logger.Warn("failed to read job counts", logging.Error(err))
	}

	health := make(map[string]stage.Health, len(lanes))
	for _, lane := range lanes {
		health[string(lane.stage)] = lane.handler.HealthCheck(ctx)
	}

	summary := StatusSummary{Running: running, InFlight: inflight, JobCounts: counts, StageHealth: health}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastJob != nil {
		copy := *lastJob
		summary.LastJob = &copy
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastJob(job *store.Job) {
	m.mu.Lock()
	if job != nil {
		copy := *job
		m.lastJob = &copy
	} else {
		m.lastJob = nil
	}
	m.mu.Unlock()
}
