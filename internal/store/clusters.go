package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const clusterColumns = `id, workspace_id, representative_item_id, centroid, size, priority_score, priority_bucket,
    status, failure_reason, created_at, updated_at`

func scanCluster(scanner interface{ Scan(dest ...any) error }) (*Cluster, error) {
	var (
		c          Cluster
		repID      sql.NullInt64
		blob       []byte
		status     string
		failure    sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&c.ID,
		&c.WorkspaceID,
		&repID,
		&blob,
		&c.Size,
		&c.PriorityScore,
		&c.PriorityBucket,
		&status,
		&failure,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	centroid, err := DecodeVector(blob)
	if err != nil {
		return nil, err
	}
	c.Centroid = centroid
	c.RepresentativeItemID = repID.Int64
	c.Status = ClusterStatus(status)
	c.FailureReason = failure.String
	c.CreatedAt = parseTime(createdRaw)
	c.UpdatedAt = parseTime(updatedRaw)
	return &c, nil
}

func clusterByID(ctx context.Context, q querier, id int64) (*Cluster, error) {
	row := q.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return c, nil
}

func activeClusters(ctx context.Context, q querier, workspaceID string) ([]*Cluster, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE workspace_id = ? AND status = ? ORDER BY id`,
		workspaceID, ClusterActive)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()
	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func clusterMembers(ctx context.Context, q querier, clusterID int64) ([]ClusterMember, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT f.id, f.content, f.sentiment, f.created_at, e.vector
         FROM cluster_members m
         JOIN feedback_items f ON f.id = m.feedback_item_id
         LEFT JOIN embeddings e ON e.feedback_item_id = f.id
         WHERE m.cluster_id = ?
         ORDER BY f.id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster members: %w", err)
	}
	defer rows.Close()
	var out []ClusterMember
	for rows.Next() {
		var (
			m          ClusterMember
			sentiment  sql.NullFloat64
			createdRaw sql.NullString
			blob       []byte
		)
		if err := rows.Scan(&m.ItemID, &m.Content, &sentiment, &createdRaw, &blob); err != nil {
			return nil, err
		}
		m.Sentiment = floatPtr(sentiment)
		m.CreatedAt = parseTime(createdRaw)
		if len(blob) > 0 {
			if m.Vector, err = DecodeVector(blob); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCluster fetches a cluster by id. Returns nil when absent.
func (s *Store) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	return clusterByID(ctx, s.db, id)
}

// ActiveClusters lists the live clusters of a workspace.
func (s *Store) ActiveClusters(ctx context.Context, workspaceID string) ([]*Cluster, error) {
	return activeClusters(ctx, s.db, workspaceID)
}

// ClusterMembers returns the last committed membership of a cluster.
func (s *Store) ClusterMembers(ctx context.Context, clusterID int64) ([]ClusterMember, error) {
	return clusterMembers(ctx, s.db, clusterID)
}

// ListClusters returns clusters in a workspace ordered by priority.
func (s *Store) ListClusters(ctx context.Context, workspaceID string, includeDissolved bool) ([]*Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE workspace_id = ?`
	args := []any{workspaceID}
	if !includeDissolved {
		query += ` AND status = ?`
		args = append(args, ClusterActive)
	}
	query += ` ORDER BY priority_score DESC, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()
	var out []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetClusterFailure persists a failure reason on the cluster.
func (s *Store) SetClusterFailure(ctx context.Context, clusterID int64, reason string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE clusters SET failure_reason = ?, updated_at = ? WHERE id = ?`,
		nullableString(reason), formatTime(s.clock()), clusterID,
	); err != nil {
		return fmt.Errorf("set cluster failure: %w", err)
	}
	return nil
}

// Cluster is the in-transaction variant of Store.GetCluster.
func (t *Tx) Cluster(ctx context.Context, id int64) (*Cluster, error) {
	return clusterByID(ctx, t.tx, id)
}

// ActiveClusters is the in-transaction variant of Store.ActiveClusters.
func (t *Tx) ActiveClusters(ctx context.Context, workspaceID string) ([]*Cluster, error) {
	return activeClusters(ctx, t.tx, workspaceID)
}

// ClusterMembers is the in-transaction variant of Store.ClusterMembers.
func (t *Tx) ClusterMembers(ctx context.Context, clusterID int64) ([]ClusterMember, error) {
	return clusterMembers(ctx, t.tx, clusterID)
}

// MembershipOf returns the cluster currently holding the item, or 0.
func (t *Tx) MembershipOf(ctx context.Context, itemID int64) (int64, error) {
	clusterID, _, err := t.Membership(ctx, itemID)
	return clusterID, err
}

// Membership returns the cluster holding the item and the content hash of the
// embedding the item was assigned with. clusterID is 0 when unassigned.
func (t *Tx) Membership(ctx context.Context, itemID int64) (int64, string, error) {
	var (
		clusterID int64
		hash      string
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT cluster_id, embedded_hash FROM cluster_members WHERE feedback_item_id = ?`, itemID,
	).Scan(&clusterID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("membership lookup: %w", err)
	}
	return clusterID, hash, nil
}

// InsertCluster creates a singleton cluster holding itemID.
func (t *Tx) InsertCluster(ctx context.Context, workspaceID string, itemID int64, centroid []float32) (int64, error) {
	now := formatTime(t.now)
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO clusters (workspace_id, representative_item_id, centroid, size, status, created_at, updated_at)
         VALUES (?, ?, ?, 1, ?, ?, ?)`,
		workspaceID, itemID, EncodeVector(centroid), ClusterActive, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	if err := t.AddMember(ctx, id, itemID); err != nil {
		return 0, err
	}
	return id, nil
}

// AddMember records itemID as a member of clusterID, stamping the content hash
// of the item's current embedding. An item already in a cluster violates the
// membership primary key.
func (t *Tx) AddMember(ctx context.Context, clusterID, itemID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO cluster_members (feedback_item_id, cluster_id, embedded_hash, added_at)
         VALUES (?, ?, COALESCE((SELECT content_hash FROM embeddings WHERE feedback_item_id = ?), ''), ?)`,
		itemID, clusterID, itemID, formatTime(t.now),
	); err != nil {
		return fmt.Errorf("add cluster member: %w", err)
	}
	return nil
}

// RemoveMember deletes the item's membership row, returning the cluster it left.
func (t *Tx) RemoveMember(ctx context.Context, itemID int64) (int64, error) {
	clusterID, err := t.MembershipOf(ctx, itemID)
	if err != nil || clusterID == 0 {
		return clusterID, err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cluster_members WHERE feedback_item_id = ?`, itemID); err != nil {
		return 0, fmt.Errorf("remove cluster member: %w", err)
	}
	return clusterID, nil
}

// SaveClusterState writes centroid, size, representative, and status.
func (t *Tx) SaveClusterState(ctx context.Context, state ClusterState) error {
	status := state.Status
	if status == "" {
		status = ClusterActive
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE clusters SET centroid = ?, size = ?, representative_item_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		EncodeVector(state.Centroid), state.Size, nullableID(state.RepresentativeItemID), status, formatTime(t.now), state.ID,
	); err != nil {
		return fmt.Errorf("save cluster state: %w", err)
	}
	return nil
}

// SetClusterPriority writes the priority score and bucket.
func (t *Tx) SetClusterPriority(ctx context.Context, clusterID int64, score float64, bucket string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE clusters SET priority_score = ?, priority_bucket = ?, updated_at = ? WHERE id = ?`,
		score, bucket, formatTime(t.now), clusterID,
	); err != nil {
		return fmt.Errorf("set cluster priority: %w", err)
	}
	return nil
}
