package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const feedbackSelect = `SELECT f.id, f.workspace_id, f.source_system, f.external_id, f.content, f.content_hash,
    f.author, f.created_at, f.ingested_at, f.updated_at, f.sentiment, f.embedding_stale, m.cluster_id
    FROM feedback_items f LEFT JOIN cluster_members m ON m.feedback_item_id = f.id`

func scanFeedback(scanner interface{ Scan(dest ...any) error }) (*FeedbackItem, error) {
	var (
		item        FeedbackItem
		author      sql.NullString
		createdRaw  sql.NullString
		ingestedRaw sql.NullString
		updatedRaw  sql.NullString
		sentiment   sql.NullFloat64
		stale       int
		clusterID   sql.NullInt64
	)
	if err := scanner.Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.SourceSystem,
		&item.ExternalID,
		&item.Content,
		&item.ContentHash,
		&author,
		&createdRaw,
		&ingestedRaw,
		&updatedRaw,
		&sentiment,
		&stale,
		&clusterID,
	); err != nil {
		return nil, err
	}
	item.Author = author.String
	item.CreatedAt = parseTime(createdRaw)
	item.IngestedAt = parseTime(ingestedRaw)
	item.UpdatedAt = parseTime(updatedRaw)
	item.Sentiment = floatPtr(sentiment)
	item.EmbeddingStale = stale != 0
	item.ClusterID = clusterID.Int64
	return &item, nil
}

// UpsertFeedback inserts or updates a feedback item keyed by
// (workspace, source system, external id). Identical content is a no-op.
func (t *Tx) UpsertFeedback(ctx context.Context, in NewFeedback) (*FeedbackItem, UpsertOutcome, error) {
	existing, err := feedbackByKey(ctx, t.tx, in.WorkspaceID, in.SourceSystem, in.ExternalID)
	if err != nil {
		return nil, "", err
	}
	now := formatTime(t.now)
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now
	}

	if existing == nil {
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO feedback_items (
                workspace_id, source_system, external_id, content, content_hash, author,
                created_at, ingested_at, updated_at, sentiment, embedding_stale
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			in.WorkspaceID, in.SourceSystem, in.ExternalID, in.Content, in.ContentHash,
			nullableString(in.Author), formatTime(createdAt), now, now, nullableFloat(in.Sentiment),
		)
		if err != nil {
			return nil, "", fmt.Errorf("insert feedback: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, "", fmt.Errorf("last insert id: %w", err)
		}
		item, err := feedbackByID(ctx, t.tx, id)
		return item, OutcomeCreated, err
	}

	if existing.ContentHash == in.ContentHash {
		return existing, OutcomeUnchanged, nil
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE feedback_items
         SET content = ?, content_hash = ?, author = ?, sentiment = ?, embedding_stale = 1, updated_at = ?
         WHERE id = ?`,
		in.Content, in.ContentHash, nullableString(in.Author), nullableFloat(in.Sentiment), now, existing.ID,
	); err != nil {
		return nil, "", fmt.Errorf("update feedback: %w", err)
	}
	item, err := feedbackByID(ctx, t.tx, existing.ID)
	return item, OutcomeUpdated, err
}

func feedbackByKey(ctx context.Context, q querier, workspaceID, sourceSystem, externalID string) (*FeedbackItem, error) {
	row := q.QueryRowContext(ctx, feedbackSelect+` WHERE f.workspace_id = ? AND f.source_system = ? AND f.external_id = ?`,
		workspaceID, sourceSystem, externalID)
	item, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feedback by key: %w", err)
	}
	return item, nil
}

func feedbackByID(ctx context.Context, q querier, id int64) (*FeedbackItem, error) {
	row := q.QueryRowContext(ctx, feedbackSelect+` WHERE f.id = ?`, id)
	item, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return item, nil
}

// GetFeedback fetches a feedback item by id. Returns nil when absent.
func (s *Store) GetFeedback(ctx context.Context, id int64) (*FeedbackItem, error) {
	return feedbackByID(ctx, s.db, id)
}

// FindFeedback fetches a feedback item by its natural key. Returns nil when absent.
func (s *Store) FindFeedback(ctx context.Context, workspaceID, sourceSystem, externalID string) (*FeedbackItem, error) {
	return feedbackByKey(ctx, s.db, workspaceID, sourceSystem, externalID)
}

// ListFeedback returns feedback for a workspace, newest first.
func (s *Store) ListFeedback(ctx context.Context, workspaceID string, limit int) ([]*FeedbackItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, feedbackSelect+` WHERE f.workspace_id = ? ORDER BY f.created_at DESC, f.id DESC LIMIT ?`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []*FeedbackItem
	for rows.Next() {
		item, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SaveEmbedding stores the vector for an item. The stale flag is cleared only
// when the item still carries the content the vector was computed from.
func (s *Store) SaveEmbedding(ctx context.Context, e Embedding) error {
	computed := e.ComputedAt
	if computed.IsZero() {
		computed = s.clock()
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO embeddings (feedback_item_id, vector, dims, model, content_hash, computed_at)
             VALUES (?, ?, ?, ?, ?, ?)
             ON CONFLICT(feedback_item_id) DO UPDATE SET
                vector = excluded.vector, dims = excluded.dims, model = excluded.model,
                content_hash = excluded.content_hash, computed_at = excluded.computed_at`,
			e.FeedbackItemID, EncodeVector(e.Vector), len(e.Vector), e.Model, e.ContentHash, formatTime(computed),
		); err != nil {
			return fmt.Errorf("upsert embedding: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE feedback_items SET embedding_stale = 0, updated_at = ? WHERE id = ? AND content_hash = ?`,
			formatTime(tx.now), e.FeedbackItemID, e.ContentHash,
		); err != nil {
			return fmt.Errorf("clear embedding stale flag: %w", err)
		}
		return nil
	})
}

// GetEmbedding returns the stored vector for an item. Returns nil when absent.
func (s *Store) GetEmbedding(ctx context.Context, itemID int64) (*Embedding, error) {
	return embeddingFor(ctx, s.db, itemID)
}

// GetEmbedding is the in-transaction variant.
func (t *Tx) GetEmbedding(ctx context.Context, itemID int64) (*Embedding, error) {
	return embeddingFor(ctx, t.tx, itemID)
}

func embeddingFor(ctx context.Context, q querier, itemID int64) (*Embedding, error) {
	var (
		e          Embedding
		blob       []byte
		computeRaw sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT feedback_item_id, vector, model, content_hash, computed_at FROM embeddings WHERE feedback_item_id = ?`,
		itemID,
	).Scan(&e.FeedbackItemID, &blob, &e.Model, &e.ContentHash, &computeRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	if e.Vector, err = DecodeVector(blob); err != nil {
		return nil, err
	}
	e.ComputedAt = parseTime(computeRaw)
	return &e, nil
}

// GetFeedback is the in-transaction variant of Store.GetFeedback.
func (t *Tx) GetFeedback(ctx context.Context, id int64) (*FeedbackItem, error) {
	return feedbackByID(ctx, t.tx, id)
}

// Now returns the transaction's timestamp.
func (t *Tx) Now() time.Time {
	return t.now
}
