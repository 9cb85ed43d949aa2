package workflow

import (
	"context"

	"sieve/internal/logging"
	"sieve/internal/store"
)

// raiseAlert records an operator alert and forwards a copy to the notifier.
func (m *Manager) raiseAlert(ctx context.Context, alert store.OperatorAlert) {
	if _, err := m.store.AddAlert(ctx, alert); err != nil {
		m.logger.Error("failed to record operator alert",
			logging.String("kind", alert.Kind),
			logging.Error(err),
		)
	}
	if err := m.notifier.NotifyAlert(ctx, alert); err != nil {
		m.logger.Debug("alert notification failed", logging.String("kind", alert.Kind), logging.Error(err))
	}
}
