package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AddAlert records an operator alert.
func (s *Store) AddAlert(ctx context.Context, alert OperatorAlert) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`INSERT INTO operator_alerts (workspace_id, kind, subject, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		alert.WorkspaceID, alert.Kind, alert.Subject, alert.Message, formatTime(s.clock()),
	)
	if err != nil {
		return 0, fmt.Errorf("add alert: %w", err)
	}
	return res.LastInsertId()
}

// ListAlerts returns the newest alerts, optionally for one workspace.
func (s *Store) ListAlerts(ctx context.Context, workspaceID string, limit int) ([]*OperatorAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, workspace_id, kind, subject, message, created_at FROM operator_alerts`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []*OperatorAlert
	for rows.Next() {
		var (
			a          OperatorAlert
			createdRaw sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Kind, &a.Subject, &a.Message, &createdRaw); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdRaw)
		out = append(out, &a)
	}
	return out, rows.Err()
}
