package workflow

import (
	"context"

	"sieve/internal/logging"
	"sieve/internal/services"
)

// DeleteWorkspace soft deletes a workspace, cancels its queued jobs, and
// cancels the contexts of its jobs running in this process. It returns the
// number of queued jobs cancelled and in-flight jobs interrupted.
func (m *Manager) DeleteWorkspace(ctx context.Context, workspaceID string) (int64, int, error) {
	cancelled, err := m.store.DeleteWorkspace(ctx, workspaceID)
	if err != nil {
		return 0, 0, err
	}
	interrupted := m.CancelWorkspace(workspaceID)
	m.logger.Info("workspace deleted",
		logging.String(logging.FieldWorkspaceID, workspaceID),
		logging.String(logging.FieldEventType, "workspace_deleted"),
		logging.Int64("jobs_cancelled", cancelled),
		logging.Int("jobs_interrupted", interrupted),
	)
	return cancelled, interrupted, nil
}

// CancelWorkspace cancels the in-flight job contexts of a workspace and
// returns how many were running.
func (m *Manager) CancelWorkspace(workspaceID string) int {
	cause := services.Wrap(services.ErrCancelled, "workflow", "workspace", "workspace "+workspaceID+" is deleted", nil)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.inflight {
		if job.workspaceID == workspaceID {
			job.cancel(cause)
			n++
		}
	}
	return n
}
