package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const syncColumns = `id, requirement_id, target_system, idempotency_key, external_ref, state, attempt_count,
    last_attempt_at, failure_reason, created_at, updated_at`

func scanSyncRecord(scanner interface{ Scan(dest ...any) error }) (*SyncRecord, error) {
	var (
		r          SyncRecord
		ref        sql.NullString
		state      string
		lastRaw    sql.NullString
		failure    sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&r.ID, &r.RequirementID, &r.TargetSystem, &r.IdempotencyKey, &ref, &state,
		&r.AttemptCount, &lastRaw, &failure, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	r.ExternalRef = ref.String
	r.State = SyncState(state)
	r.LastAttemptAt = parseTimePtr(lastRaw)
	r.FailureReason = failure.String
	r.CreatedAt = parseTime(createdRaw)
	r.UpdatedAt = parseTime(updatedRaw)
	return &r, nil
}

// EnsureSyncRecord returns the record for key, creating a pending one if needed.
func (s *Store) EnsureSyncRecord(ctx context.Context, requirementID int64, target, key string) (*SyncRecord, error) {
	now := formatTime(s.clock())
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO sync_records (requirement_id, target_system, idempotency_key, state, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(idempotency_key) DO NOTHING`,
		requirementID, target, key, SyncPending, now, now,
	); err != nil {
		return nil, fmt.Errorf("ensure sync record: %w", err)
	}
	return s.GetSyncRecord(ctx, key)
}

// GetSyncRecord fetches the record for an idempotency key. Returns nil when absent.
func (s *Store) GetSyncRecord(ctx context.Context, key string) (*SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_records WHERE idempotency_key = ?`, key)
	r, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return r, nil
}

// ClaimSyncRecord atomically moves a pending or failed record to in_flight.
// An in_flight record whose last attempt is older than staleBefore is also
// claimable so a crashed dispatcher does not wedge the key. It reports false
// when another dispatcher holds the record or it already succeeded.
func (s *Store) ClaimSyncRecord(ctx context.Context, key string, staleBefore time.Time) (bool, error) {
	now := formatTime(s.clock())
	res, err := s.execWithRetry(ctx,
		`UPDATE sync_records
         SET state = ?, attempt_count = attempt_count + 1, last_attempt_at = ?, updated_at = ?
         WHERE idempotency_key = ?
           AND (state IN (?, ?) OR (state = ? AND last_attempt_at < ?))`,
		SyncInFlight, now, now, key, SyncPending, SyncFailed, SyncInFlight, formatTime(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("claim sync record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSyncRecord marks an in_flight record succeeded with its external reference.
func (s *Store) CompleteSyncRecord(ctx context.Context, key, externalRef string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE sync_records SET state = ?, external_ref = ?, failure_reason = NULL, updated_at = ?
         WHERE idempotency_key = ? AND state = ?`,
		SyncSucceeded, nullableString(externalRef), formatTime(s.clock()), key, SyncInFlight,
	)
	if err != nil {
		return fmt.Errorf("complete sync record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync record %s is not in flight", key)
	}
	return nil
}

// ReleaseSyncRecord returns an in_flight record to pending (retryable) or
// failed (terminal), recording the reason.
func (s *Store) ReleaseSyncRecord(ctx context.Context, key, reason string, terminal bool) error {
	state := SyncPending
	if terminal {
		state = SyncFailed
	}
	if _, err := s.execWithRetry(ctx,
		`UPDATE sync_records SET state = ?, failure_reason = ?, updated_at = ?
         WHERE idempotency_key = ? AND state = ?`,
		state, nullableString(reason), formatTime(s.clock()), key, SyncInFlight,
	); err != nil {
		return fmt.Errorf("release sync record: %w", err)
	}
	return nil
}

// ListSyncRecords returns the records of a requirement.
func (s *Store) ListSyncRecords(ctx context.Context, requirementID int64) ([]*SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncColumns+` FROM sync_records WHERE requirement_id = ? ORDER BY target_system`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()
	var out []*SyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountSucceeded returns how many succeeded records exist for a requirement and target.
func (s *Store) CountSucceeded(ctx context.Context, requirementID int64, target string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sync_records WHERE requirement_id = ? AND target_system = ? AND state = ?`,
		requirementID, target, SyncSucceeded,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count succeeded: %w", err)
	}
	return n, nil
}
