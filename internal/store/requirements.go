package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const requirementColumns = `id, workspace_id, cluster_id, title, user_story, acceptance_json, priority_score, priority_bucket,
    source_feedback_ids_json, member_fingerprint, template, status, failure_reason, superseded_by, created_at, updated_at`

func scanRequirement(scanner interface{ Scan(dest ...any) error }) (*Requirement, error) {
	var (
		r            Requirement
		title        sql.NullString
		story        sql.NullString
		acceptance   sql.NullString
		sources      sql.NullString
		template     sql.NullString
		status       string
		failure      sql.NullString
		supersededBy sql.NullInt64
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.ClusterID,
		&title,
		&story,
		&acceptance,
		&r.PriorityScore,
		&r.PriorityBucket,
		&sources,
		&r.MemberFingerprint,
		&template,
		&status,
		&failure,
		&supersededBy,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	r.Title = title.String
	r.UserStory = story.String
	r.AcceptanceCriteria = decodeJSONList[string](acceptance)
	r.SourceFeedbackIDs = decodeJSONList[int64](sources)
	r.Template = template.String
	r.Status = RequirementStatus(status)
	r.FailureReason = failure.String
	r.SupersededBy = supersededBy.Int64
	r.CreatedAt = parseTime(createdRaw)
	r.UpdatedAt = parseTime(updatedRaw)
	return &r, nil
}

// InsertDraftRequirement creates a draft carrying the membership snapshot.
func (s *Store) InsertDraftRequirement(ctx context.Context, r Requirement) (int64, error) {
	sources, err := encodeJSONList(r.SourceFeedbackIDs)
	if err != nil {
		return 0, fmt.Errorf("encode source ids: %w", err)
	}
	now := formatTime(s.clock())
	res, err := s.execWithRetry(ctx,
		`INSERT INTO requirements (workspace_id, cluster_id, priority_score, priority_bucket, source_feedback_ids_json,
            member_fingerprint, template, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.WorkspaceID, r.ClusterID, r.PriorityScore, r.PriorityBucket, sources, r.MemberFingerprint,
		nullableString(r.Template), RequirementDraft, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert requirement: %w", err)
	}
	return res.LastInsertId()
}

// GetRequirement fetches a requirement by id. Returns nil when absent.
func (s *Store) GetRequirement(ctx context.Context, id int64) (*Requirement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id = ?`, id)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get requirement: %w", err)
	}
	return r, nil
}

// CurrentRequirement returns the newest requirement of a cluster that has not
// been superseded. Returns nil when the cluster has none.
func (s *Store) CurrentRequirement(ctx context.Context, clusterID int64) (*Requirement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements
         WHERE cluster_id = ? AND superseded_by IS NULL ORDER BY id DESC LIMIT 1`, clusterID)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current requirement: %w", err)
	}
	return r, nil
}

// RequirementContent is the synthesized payload written on success.
type RequirementContent struct {
	Title              string
	UserStory          string
	AcceptanceCriteria []string
	PriorityScore      float64
	PriorityBucket     string
	Template           string
}

// MarkRequirementSynthesized fills in a draft (or review) requirement and
// points the superseded requirement, if any, at it. Both writes commit together.
func (s *Store) MarkRequirementSynthesized(ctx context.Context, id int64, content RequirementContent, supersedes int64) error {
	acceptance, err := encodeJSONList(content.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("encode acceptance criteria: %w", err)
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE requirements SET title = ?, user_story = ?, acceptance_json = ?, priority_score = ?, priority_bucket = ?,
                template = ?, status = ?, failure_reason = NULL, updated_at = ?
             WHERE id = ? AND status IN (?, ?)`,
			content.Title, content.UserStory, acceptance, content.PriorityScore, content.PriorityBucket,
			nullableString(content.Template), RequirementSynthesized, formatTime(tx.now),
			id, RequirementDraft, RequirementReview,
		)
		if err != nil {
			return fmt.Errorf("mark requirement synthesized: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("requirement %d is not a draft", id)
		}
		if supersedes != 0 && supersedes != id {
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE requirements SET superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL`,
				id, formatTime(tx.now), supersedes,
			); err != nil {
				return fmt.Errorf("supersede requirement: %w", err)
			}
		}
		return nil
	})
}

// SupersedeRequirement points an abandoned draft or review requirement at its replacement.
func (s *Store) SupersedeRequirement(ctx context.Context, oldID, newID int64) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE requirements SET superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL`,
		newID, formatTime(s.clock()), oldID,
	); err != nil {
		return fmt.Errorf("supersede requirement: %w", err)
	}
	return nil
}

// MarkRequirementReview routes a requirement to manual review. Synthesized
// requirements are immutable and are left untouched.
func (s *Store) MarkRequirementReview(ctx context.Context, id int64, reason string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE requirements SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		RequirementReview, nullableString(reason), formatTime(s.clock()), id, RequirementDraft, RequirementReview,
	); err != nil {
		return fmt.Errorf("mark requirement review: %w", err)
	}
	return nil
}

// SetRequirementFailure records a failure reason without changing status.
func (s *Store) SetRequirementFailure(ctx context.Context, id int64, reason string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE requirements SET failure_reason = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		nullableString(reason), formatTime(s.clock()), id, RequirementDraft, RequirementReview,
	); err != nil {
		return fmt.Errorf("set requirement failure: %w", err)
	}
	return nil
}

// MarkRequirementExported moves a synthesized requirement to exported.
func (s *Store) MarkRequirementExported(ctx context.Context, id int64) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE requirements SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		RequirementExported, formatTime(s.clock()), id, RequirementSynthesized,
	); err != nil {
		return fmt.Errorf("mark requirement exported: %w", err)
	}
	return nil
}

// ListRequirements returns requirements in a workspace, optionally filtered by status.
func (s *Store) ListRequirements(ctx context.Context, workspaceID string, statuses ...RequirementStatus) ([]*Requirement, error) {
	query := `SELECT ` + requirementColumns + ` FROM requirements WHERE workspace_id = ?`
	args := []any{workspaceID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY priority_score DESC, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	var out []*Requirement
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestPublishedRequirement returns the newest synthesized or exported
// requirement of a cluster that has not been superseded, ignoring excludeID.
// Returns nil when there is none.
func (s *Store) LatestPublishedRequirement(ctx context.Context, clusterID, excludeID int64) (*Requirement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements
         WHERE cluster_id = ? AND id != ? AND superseded_by IS NULL AND status IN (?, ?)
         ORDER BY id DESC LIMIT 1`, clusterID, excludeID, RequirementSynthesized, RequirementExported)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest published requirement: %w", err)
	}
	return r, nil
}
