package stages

import (
	"context"
	"log/slog"

	"sieve/internal/logging"
	"sieve/internal/stage"
	"sieve/internal/store"
	"sieve/internal/synth"
)

// Synthesize produces the requirement for a cluster and, with auto export
// on, schedules one sync job per target.
type Synthesize struct {
	store       *store.Store
	synthesizer *synth.Synthesizer
	targets     []string
	autoExport  bool
	logger      *slog.Logger
}

// NewSynthesize builds the synthesize handler.
func NewSynthesize(st *store.Store, s *synth.Synthesizer, targets []string, autoExport bool, logger *slog.Logger) *Synthesize {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Synthesize{store: st, synthesizer: s, targets: targets, autoExport: autoExport, logger: logging.NewComponentLogger(logger, "synthesize")}
}

// Execute implements stage.Handler.
func (h *Synthesize) Execute(ctx context.Context, job *store.Job) error {
	if err := stage.RequireEntity(job); err != nil {
		return err
	}
	out, err := h.synthesizer.Synthesize(ctx, job.EntityID)
	if err != nil {
		return err
	}
	if out.Action != synth.ActionSynthesized || !h.autoExport || len(h.targets) == 0 {
		return nil
	}
	if err := ScheduleSync(ctx, h.store, job.WorkspaceID, out.RequirementID, h.targets); err != nil {
		return err
	}
	logging.WithContext(ctx, h.logger).Debug("sync scheduled",
		logging.RequirementID(out.RequirementID),
		logging.Int("targets", len(h.targets)),
	)
	return nil
}

// ScheduleSync enqueues one sync job per target for a synthesized
// requirement, unless the workspace was deleted meanwhile.
func ScheduleSync(ctx context.Context, st *store.Store, workspaceID string, requirementID int64, targets []string) error {
	return st.WithTx(ctx, func(tx *store.Tx) error {
		if err := stage.EnsureLive(ctx, tx, "synthesize", workspaceID); err != nil {
			return err
		}
		for _, target := range targets {
			if _, err := tx.Enqueue(ctx, store.NewJob{
				WorkspaceID: workspaceID,
				Stage:       store.StageSync,
				EntityID:    requirementID,
				Payload:     target,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordFailure implements stage.FailureRecorder.
func (h *Synthesize) RecordFailure(ctx context.Context, job *store.Job, reason string) error {
	return h.store.SetClusterFailure(ctx, job.EntityID, reason)
}

// HealthCheck implements stage.Handler.
func (h *Synthesize) HealthCheck(context.Context) stage.Health {
	if h.synthesizer == nil {
		return stage.Missing(store.StageSynthesize, "synthesizer")
	}
	return stage.Healthy(store.StageSynthesize)
}
