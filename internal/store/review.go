package store

import (
	"context"
	"database/sql"
	"fmt"
)

const reviewColumns = "id, workspace_id, cluster_id, requirement_id, reason, created_at, resolved_at"

func scanReview(scanner interface{ Scan(dest ...any) error }) (*ReviewEntry, error) {
	var (
		r           ReviewEntry
		reqID       sql.NullInt64
		createdRaw  sql.NullString
		resolvedRaw sql.NullString
	)
	if err := scanner.Scan(&r.ID, &r.WorkspaceID, &r.ClusterID, &reqID, &r.Reason, &createdRaw, &resolvedRaw); err != nil {
		return nil, err
	}
	r.RequirementID = reqID.Int64
	r.CreatedAt = parseTime(createdRaw)
	r.ResolvedAt = parseTimePtr(resolvedRaw)
	return &r, nil
}

func addReviewEntry(ctx context.Context, q querier, entry ReviewEntry, now string) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO review_entries (workspace_id, cluster_id, requirement_id, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.WorkspaceID, entry.ClusterID, nullableID(entry.RequirementID), entry.Reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("add review entry: %w", err)
	}
	return res.LastInsertId()
}

// AddReviewEntry queues a cluster or requirement for manual review.
func (s *Store) AddReviewEntry(ctx context.Context, entry ReviewEntry) (int64, error) {
	var id int64
	err := retryOnBusy(ensureContext(ctx), func() error {
		var err error
		id, err = addReviewEntry(ctx, s.db, entry, formatTime(s.clock()))
		return err
	})
	return id, err
}

// AddReviewEntry is the in-transaction variant of Store.AddReviewEntry.
func (t *Tx) AddReviewEntry(ctx context.Context, entry ReviewEntry) (int64, error) {
	return addReviewEntry(ctx, t.tx, entry, formatTime(t.now))
}

// ListReviewEntries returns review entries of a workspace, oldest first.
func (s *Store) ListReviewEntries(ctx context.Context, workspaceID string, includeResolved bool) ([]*ReviewEntry, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_entries WHERE workspace_id = ?`
	if !includeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list review entries: %w", err)
	}
	defer rows.Close()
	var out []*ReviewEntry
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveReviewEntry marks an entry resolved. It reports false when the entry
// does not exist or was already resolved.
func (s *Store) ResolveReviewEntry(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE review_entries SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		formatTime(s.clock()), id)
	if err != nil {
		return false, fmt.Errorf("resolve review entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
