package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCursor returns the stored poll cursor for a source. Returns nil when the
// source has never been polled.
func (s *Store) GetCursor(ctx context.Context, workspaceID, sourceSystem string) (*SourceCursor, error) {
	var (
		c          SourceCursor
		updatedRaw sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, source_system, cursor, updated_at FROM source_cursors
         WHERE workspace_id = ? AND source_system = ?`,
		workspaceID, sourceSystem,
	).Scan(&c.WorkspaceID, &c.SourceSystem, &c.Cursor, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	c.UpdatedAt = parseTime(updatedRaw)
	return &c, nil
}

const saveCursorSQL = `INSERT INTO source_cursors (workspace_id, source_system, cursor, updated_at) VALUES (?, ?, ?, ?)
    ON CONFLICT(workspace_id, source_system) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`

// SaveCursor stores the poll cursor for a source.
func (s *Store) SaveCursor(ctx context.Context, workspaceID, sourceSystem, cursor string) error {
	if _, err := s.execWithRetry(ctx, saveCursorSQL, workspaceID, sourceSystem, cursor, formatTime(s.clock())); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// SaveCursor is the in-transaction variant of Store.SaveCursor.
func (t *Tx) SaveCursor(ctx context.Context, workspaceID, sourceSystem, cursor string) error {
	if _, err := t.tx.ExecContext(ctx, saveCursorSQL, workspaceID, sourceSystem, cursor, formatTime(t.now)); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
