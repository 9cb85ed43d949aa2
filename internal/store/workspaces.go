package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const workspaceColumns = "id, name, created_at, deleted_at"

func scanWorkspace(scanner interface{ Scan(dest ...any) error }) (*Workspace, error) {
	var (
		ws         Workspace
		createdRaw sql.NullString
		deletedRaw sql.NullString
	)
	if err := scanner.Scan(&ws.ID, &ws.Name, &createdRaw, &deletedRaw); err != nil {
		return nil, err
	}
	ws.CreatedAt = parseTime(createdRaw)
	ws.DeletedAt = parseTimePtr(deletedRaw)
	return &ws, nil
}

// CreateWorkspace inserts a workspace. Creating an existing live workspace is an error.
func (s *Store) CreateWorkspace(ctx context.Context, id, name string) (*Workspace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("workspace id is required")
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, formatTime(s.clock()),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("workspace %q already exists", id)
		}
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	return s.GetWorkspace(ctx, id)
}

// EnsureWorkspace returns the workspace, creating it when absent.
func (s *Store) EnsureWorkspace(ctx context.Context, id string) (*Workspace, error) {
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, id, formatTime(s.clock()),
	); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	return s.GetWorkspace(ctx, id)
}

// GetWorkspace fetches a workspace by id. Returns nil when absent.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces including deleted ones.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// WorkspaceActive reports whether the workspace exists and is not deleted.
func (s *Store) WorkspaceActive(ctx context.Context, id string) (bool, error) {
	return workspaceActive(ctx, s.db, id)
}

// WorkspaceActive is the in-transaction liveness check used before commits.
func (t *Tx) WorkspaceActive(ctx context.Context, id string) (bool, error) {
	return workspaceActive(ctx, t.tx, id)
}

func workspaceActive(ctx context.Context, q querier, id string) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM workspaces WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("workspace liveness: %w", err)
	}
	return count > 0, nil
}

// DeleteWorkspace soft deletes a workspace and cancels its pending and running
// jobs in the same transaction. It returns the number of cancelled jobs.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) (int64, error) {
	var cancelled int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE workspaces SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
			formatTime(tx.now), id)
		if err != nil {
			return fmt.Errorf("soft delete workspace: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("workspace %q not found or already deleted", id)
		}
		res, err = tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
             WHERE workspace_id = ? AND status IN (?, ?)`,
			JobCancelled, "workspace deleted", formatTime(tx.now), id, JobPending, JobRunning)
		if err != nil {
			return fmt.Errorf("cancel workspace jobs: %w", err)
		}
		cancelled, _ = res.RowsAffected()
		return nil
	})
	return cancelled, err
}
