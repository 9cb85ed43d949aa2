package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// migration moves a database from version-1 to version. Version 1 is the
// full base schema; later steps only alter it.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{version: 1, sql: schemaSQL},
	{version: 2, sql: `
CREATE INDEX IF NOT EXISTS idx_operator_alerts_workspace ON operator_alerts(workspace_id, id);
CREATE INDEX IF NOT EXISTS idx_review_entries_open ON review_entries(workspace_id, resolved_at);
`},
}

// schemaVersion is the version a fresh database ends up at.
var schemaVersion = migrations[len(migrations)-1].version

// ErrSchemaMismatch reports a database written by a newer sieve.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("%w: database has version %d, this build knows %d (upgrade sieve)",
			ErrSchemaMismatch, current, schemaVersion)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.migrate(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// currentVersion is 0 for an empty database.
func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var tables int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tables); err != nil {
		return 0, fmt.Errorf("check schema_version table: %w", err)
	}
	if tables == 0 {
		return 0, nil
	}
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (s *Store) migrate(ctx context.Context, m migration) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
			return fmt.Errorf("clear schema version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
		return tx.Commit()
	})
}
