package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, workspace_id, stage, entity_id, payload, status, attempts, available_at, last_error,
    heartbeat_at, created_at, updated_at`

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		j            Job
		stage        string
		status       string
		availableRaw sql.NullString
		lastErr      sql.NullString
		heartbeatRaw sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(&j.ID, &j.WorkspaceID, &stage, &j.EntityID, &j.Payload, &status, &j.Attempts,
		&availableRaw, &lastErr, &heartbeatRaw, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	j.Stage = Stage(stage)
	j.Status = JobStatus(status)
	j.AvailableAt = parseTime(availableRaw)
	j.LastError = lastErr.String
	j.HeartbeatAt = parseTimePtr(heartbeatRaw)
	j.CreatedAt = parseTime(createdRaw)
	j.UpdatedAt = parseTime(updatedRaw)
	return &j, nil
}

// enqueueSQL coalesces with an existing pending job for the same unit of work.
// The conflict clause decides whether the earlier or the later availability wins.
const enqueueSQL = `INSERT INTO jobs (workspace_id, stage, entity_id, payload, status, attempts, available_at, created_at, updated_at)
    VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)
    ON CONFLICT(stage, entity_id, payload) WHERE status = 'pending'
    DO UPDATE SET %s, updated_at = excluded.updated_at
    RETURNING id`

var (
	enqueueKeepEarliest = fmt.Sprintf(enqueueSQL, "available_at = MIN(available_at, excluded.available_at)")
	enqueuePushBack     = fmt.Sprintf(enqueueSQL, "available_at = excluded.available_at")
)

func enqueue(ctx context.Context, q querier, query string, job NewJob, now time.Time) (int64, error) {
	if job.Stage == "" {
		return 0, errors.New("job stage is required")
	}
	available := job.AvailableAt
	if available.IsZero() {
		available = now
	}
	var id int64
	if err := q.QueryRowContext(ctx, query,
		job.WorkspaceID, job.Stage, job.EntityID, job.Payload,
		formatTime(available), formatTime(now), formatTime(now),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", job.Stage, err)
	}
	return id, nil
}

// Enqueue adds a pending job. Re-enqueueing work that is already pending keeps
// a single row with the earliest availability.
func (s *Store) Enqueue(ctx context.Context, job NewJob) (int64, error) {
	var id int64
	err := retryOnBusy(ensureContext(ctx), func() error {
		var err error
		id, err = enqueue(ctx, s.db, enqueueKeepEarliest, job, s.clock())
		return err
	})
	return id, err
}

// Enqueue is the in-transaction variant of Store.Enqueue.
func (t *Tx) Enqueue(ctx context.Context, job NewJob) (int64, error) {
	return enqueue(ctx, t.tx, enqueueKeepEarliest, job, t.now)
}

// EnqueueDebounced adds a pending job or pushes an existing pending one back
// to the new availability.
func (t *Tx) EnqueueDebounced(ctx context.Context, job NewJob) (int64, error) {
	return enqueue(ctx, t.tx, enqueuePushBack, job, t.now)
}

// ClaimNext atomically marks the oldest available pending job of a stage as
// running and returns it. Returns nil when nothing is available. Jobs of
// deleted workspaces are never claimed.
func (s *Store) ClaimNext(ctx context.Context, stage Stage) (*Job, error) {
	ctx = ensureContext(ctx)
	var job *Job
	err := retryOnBusy(ctx, func() error {
		now := formatTime(s.clock())
		row := s.db.QueryRowContext(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1, heartbeat_at = ?, updated_at = ?
             WHERE id = (
                SELECT j.id FROM jobs j
                WHERE j.stage = ? AND j.status = ? AND j.available_at <= ?
                  AND NOT EXISTS (SELECT 1 FROM workspaces w WHERE w.id = j.workspace_id AND w.deleted_at IS NOT NULL)
                ORDER BY j.available_at, j.id
                LIMIT 1
             )
             RETURNING `+jobColumns,
			JobRunning, now, now, stage, JobPending, now,
		)
		claimed, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return err
		}
		job = claimed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", stage, err)
	}
	return job, nil
}

// GetJob fetches a job by id. Returns nil when absent.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a running job done.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, heartbeat_at = NULL, last_error = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		JobDone, formatTime(s.clock()), id, JobRunning,
	); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RequeueJob returns a running job to pending at availableAt. A pending
// duplicate enqueued meanwhile is folded into this row.
func (s *Store) RequeueJob(ctx context.Context, id int64, availableAt time.Time, lastErr string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.requeue(ctx, id, availableAt, lastErr, JobRunning, false)
	})
}

func (t *Tx) requeue(ctx context.Context, id int64, availableAt time.Time, lastErr string, from JobStatus, resetAttempts bool) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND id != ? AND (stage, entity_id, payload) =
            (SELECT stage, entity_id, payload FROM jobs WHERE id = ?)`,
		JobPending, id, id,
	); err != nil {
		return fmt.Errorf("fold duplicate job: %w", err)
	}
	attempts := "attempts"
	if resetAttempts {
		attempts = "0"
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = `+attempts+`, available_at = ?, last_error = ?, heartbeat_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobPending, formatTime(availableAt), nullableString(lastErr), formatTime(t.now), id, from,
	); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// FailJob marks a running job failed with the persisted error.
func (s *Store) FailJob(ctx context.Context, id int64, lastErr string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, heartbeat_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		JobFailed, nullableString(lastErr), formatTime(s.clock()), id, JobRunning,
	); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// CancelJob marks a pending or running job cancelled.
func (s *Store) CancelJob(ctx context.Context, id int64, reason string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, heartbeat_at = NULL, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		JobCancelled, nullableString(reason), formatTime(s.clock()), id, JobPending, JobRunning,
	); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes the heartbeat of a running job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := formatTime(s.clock())
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, JobRunning,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStaleJobs returns running jobs whose heartbeat expired to pending.
func (s *Store) ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		JobRunning, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range ids {
			if err := tx.requeue(ctx, id, tx.now, "reclaimed after heartbeat timeout", JobRunning, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// RetryFailedJobs resets failed jobs to pending with a fresh attempt budget.
// With no ids, every failed job of the workspace is retried.
func (s *Store) RetryFailedJobs(ctx context.Context, workspaceID string, ids ...int64) (int64, error) {
	query := `SELECT id FROM jobs WHERE status = ? AND workspace_id = ?`
	args := []any{JobFailed, workspaceID}
	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		args = append(args, int64Args(ids)...)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("find failed jobs: %w", err)
	}
	var targets []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		targets = append(targets, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	err = s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range targets {
			if err := tx.requeue(ctx, id, tx.now, "", JobFailed, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(targets)), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, filter.Stage)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// OutstandingJobs counts pending and running jobs, optionally for one workspace.
func (s *Store) OutstandingJobs(ctx context.Context, workspaceID string) (int, error) {
	query := `SELECT COUNT(1) FROM jobs WHERE status IN (?, ?)`
	args := []any{JobPending, JobRunning}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outstanding jobs: %w", err)
	}
	return n, nil
}

// JobCounts returns job counts grouped by status.
func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// NextAvailableAt returns the earliest availability among pending jobs of
// live workspaces. Returns nil when no such job exists.
func (s *Store) NextAvailableAt(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(j.available_at) FROM jobs j
         WHERE j.status = ?
           AND NOT EXISTS (SELECT 1 FROM workspaces w WHERE w.id = j.workspace_id AND w.deleted_at IS NOT NULL)`,
		JobPending,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("next available job: %w", err)
	}
	return parseTimePtr(raw), nil
}
