package workflow

import (
	"sieve/internal/logging"
	"sieve/internal/store"
)

// ConfigureStages registers the concrete stage handlers the workflow will
// run, one lane per configured stage in pipeline order.
func (m *Manager) ConfigureStages(set StageSet) {
	lanes := make([]*laneState, 0, len(store.Stages()))
	for _, st := range store.Stages() {
		handler := set.handlerFor(st)
		if handler == nil {
			continue
		}
		lanes = append(lanes, &laneState{
			stage:   st,
			handler: handler,
			workers: m.cfg.WorkersFor(string(st)),
			logger: m.logger.With(
				logging.String(logging.FieldComponent, "workflow-"+string(st)+"-lane"),
				logging.String("lane", string(st)),
			),
		})
	}

	m.mu.Lock()
	m.lanes = lanes
	m.mu.Unlock()
}
