package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const analysisColumns = "id, cluster_id, tier, sentiment, themes_json, summary, cache_key, cached, cost, active, computed_at"

func scanAnalysis(scanner interface{ Scan(dest ...any) error }) (*AnalysisResult, error) {
	var (
		a           AnalysisResult
		themes      sql.NullString
		summary     sql.NullString
		cached      int
		active      int
		computedRaw sql.NullString
	)
	if err := scanner.Scan(&a.ID, &a.ClusterID, &a.Tier, &a.Sentiment, &themes, &summary, &a.CacheKey,
		&cached, &a.Cost, &active, &computedRaw); err != nil {
		return nil, err
	}
	a.Themes = decodeJSONList[string](themes)
	a.Summary = summary.String
	a.Cached = cached != 0
	a.Active = active != 0
	a.ComputedAt = parseTime(computedRaw)
	return &a, nil
}

// SaveAnalysis makes result the active analysis of its cluster, keeping
// earlier rows as inactive history.
func (s *Store) SaveAnalysis(ctx context.Context, result AnalysisResult) (int64, error) {
	themes, err := encodeJSONList(result.Themes)
	if err != nil {
		return 0, fmt.Errorf("encode themes: %w", err)
	}
	var id int64
	err = s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE analysis_results SET active = 0 WHERE cluster_id = ? AND active = 1`, result.ClusterID,
		); err != nil {
			return fmt.Errorf("deactivate analysis: %w", err)
		}
		res, err := tx.tx.ExecContext(ctx,
			`INSERT INTO analysis_results (cluster_id, tier, sentiment, themes_json, summary, cache_key, cached, cost, active, computed_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			result.ClusterID, result.Tier, result.Sentiment, themes, nullableString(result.Summary),
			result.CacheKey, boolToInt(result.Cached), result.Cost, formatTime(tx.now),
		)
		if err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ActiveAnalysis returns the current analysis for a cluster. Returns nil when absent.
func (s *Store) ActiveAnalysis(ctx context.Context, clusterID int64) (*AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE cluster_id = ? AND active = 1`, clusterID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active analysis: %w", err)
	}
	return a, nil
}

// AnalysisHistory returns every analysis of a cluster, newest first.
func (s *Store) AnalysisHistory(ctx context.Context, clusterID int64) ([]*AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE cluster_id = ? ORDER BY id DESC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("analysis history: %w", err)
	}
	defer rows.Close()
	var out []*AnalysisResult
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
