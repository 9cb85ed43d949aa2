package workflow

import (
	"log/slog"

	"sieve/internal/stage"
	"sieve/internal/store"
)

// StageSet bundles the concrete stage handlers the manager orchestrates.
// A nil handler leaves its lane idle; jobs for it stay pending.
type StageSet struct {
	Ingest     stage.Handler
	Embed      stage.Handler
	Dedup      stage.Handler
	Analyze    stage.Handler
	Synthesize stage.Handler
	Sync       stage.Handler
}

func (s StageSet) handlerFor(st store.Stage) stage.Handler {
	switch st {
	case store.StageIngest:
		return s.Ingest
	case store.StageEmbed:
		return s.Embed
	case store.StageDedup:
		return s.Dedup
	case store.StageAnalyze:
		return s.Analyze
	case store.StageSynthesize:
		return s.Synthesize
	case store.StageSync:
		return s.Sync
	default:
		return nil
	}
}

type laneState struct {
	stage   store.Stage
	handler stage.Handler
	workers int
	logger  *slog.Logger
}
