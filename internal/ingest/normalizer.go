// Package ingest validates and normalizes raw feedback into the store and
// schedules embedding for new or changed items.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"sieve/internal/config"
	"sieve/internal/logging"
	"sieve/internal/metrics"
	"sieve/internal/services"
	"sieve/internal/source"
	"sieve/internal/store"
	"sieve/internal/textutil"
)

const maxAuthorRunes = 256

var validate = validator.New()

// Outcome reports one normalization.
type Outcome struct {
	Item       *store.FeedbackItem
	Result     store.UpsertOutcome
	EmbedJobID int64
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	store    *store.Store
	maxRunes int
	scales   map[string]string
	now      func() time.Time
	logger   *slog.Logger
}

// NewNormalizer builds a normalizer using each configured source's rating scale.
func NewNormalizer(cfg *config.Config, st *store.Store, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	scales := make(map[string]string, len(cfg.Sources))
	for _, src := range cfg.Sources {
		scales[src.Name] = src.RatingScale
	}
	return &Normalizer{
		store:    st,
		maxRunes: cfg.Ingest.MaxContentRunes,
		scales:   scales,
		now:      time.Now,
		logger:   logging.NewComponentLogger(logger, "ingest"),
	}
}

// SetScale overrides the rating scale of a source system.
func (n *Normalizer) SetScale(sourceSystem, scale string) {
	n.scales[sourceSystem] = scale
}

// Normalize validates raw, cleans its content, and upserts it. Unchanged
// content is a no-op; created or changed items get an embed job in the same
// transaction.
func (n *Normalizer) Normalize(ctx context.Context, workspaceID, sourceSystem string, raw source.RawFeedback) (Outcome, error) {
	outcome, err := n.normalize(ctx, workspaceID, sourceSystem, raw)
	switch {
	case err == nil:
		metrics.FeedbackIngested(sourceSystem, string(outcome.Result))
	case errors.Is(err, services.ErrValidation):
		metrics.FeedbackIngested(sourceSystem, "rejected")
	}
	return outcome, err
}

func (n *Normalizer) normalize(ctx context.Context, workspaceID, sourceSystem string, raw source.RawFeedback) (Outcome, error) {
	if strings.TrimSpace(sourceSystem) == "" {
		return Outcome{}, services.Wrap(services.ErrValidation, "ingest", "normalize", "source system is required", nil)
	}
	raw.ExternalID = strings.TrimSpace(raw.ExternalID)
	if err := validate.Struct(raw); err != nil {
		return Outcome{}, services.Wrap(services.ErrValidation, "ingest", "normalize", describe(err), nil)
	}
	content := textutil.NormalizeContent(raw.Content, n.maxRunes)
	if content == "" {
		return Outcome{}, services.Wrap(services.ErrValidation, "ingest", "normalize",
			fmt.Sprintf("item %s has no content after normalization", raw.ExternalID), nil)
	}
	author := textutil.Truncate(strings.Join(strings.Fields(textutil.NormalizeContent(raw.Author, 0)), " "), maxAuthorRunes)
	createdAt := raw.CreatedAt
	if createdAt.IsZero() {
		createdAt = n.now()
	}

	in := store.NewFeedback{
		WorkspaceID:  workspaceID,
		SourceSystem: sourceSystem,
		ExternalID:   raw.ExternalID,
		Content:      content,
		ContentHash:  ContentHash(content),
		Author:       author,
		CreatedAt:    createdAt.UTC(),
		Sentiment:    Sentiment(raw.Rating, n.scales[sourceSystem]),
	}

	var outcome Outcome
	err := n.store.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.WorkspaceActive(ctx, workspaceID)
		if err != nil {
			return err
		}
		if !live {
			return services.Wrap(services.ErrCancelled, "ingest", "workspace", "workspace "+workspaceID+" is deleted", nil)
		}
		item, result, err := tx.UpsertFeedback(ctx, in)
		if err != nil {
			return err
		}
		outcome = Outcome{Item: item, Result: result}
		if result == store.OutcomeUnchanged {
			return nil
		}
		outcome.EmbedJobID, err = tx.Enqueue(ctx, store.NewJob{
			WorkspaceID: workspaceID,
			Stage:       store.StageEmbed,
			EntityID:    item.ID,
		})
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if outcome.Result != store.OutcomeUnchanged {
		n.logger.Debug("feedback normalized",
			logging.String(logging.FieldWorkspaceID, workspaceID),
			logging.String("source", sourceSystem),
			logging.String("external_id", raw.ExternalID),
			logging.Int64("item_id", outcome.Item.ID),
			logging.String("result", string(outcome.Result)),
		)
	}
	return outcome, nil
}

// ContentHash identifies normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
