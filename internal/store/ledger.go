package store

import (
	"context"
	"fmt"
)

// AddCost accumulates model spend into the workspace's ledger row for the
// period and tier.
func (s *Store) AddCost(ctx context.Context, entry CostEntry) error {
	calls := entry.Calls
	if calls == 0 {
		calls = 1
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO cost_ledger (workspace_id, period, tier, calls, prompt_tokens, completion_tokens, cost)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(workspace_id, period, tier) DO UPDATE SET
            calls = calls + excluded.calls,
            prompt_tokens = prompt_tokens + excluded.prompt_tokens,
            completion_tokens = completion_tokens + excluded.completion_tokens,
            cost = cost + excluded.cost`,
		entry.WorkspaceID, entry.Period, entry.Tier, calls, entry.PromptTokens, entry.CompletionTokens, entry.Cost,
	); err != nil {
		return fmt.Errorf("add cost: %w", err)
	}
	return nil
}

// Costs returns ledger rows for a workspace. An empty period returns every period.
func (s *Store) Costs(ctx context.Context, workspaceID, period string) ([]CostEntry, error) {
	query := `SELECT workspace_id, period, tier, calls, prompt_tokens, completion_tokens, cost
        FROM cost_ledger WHERE workspace_id = ?`
	args := []any{workspaceID}
	if period != "" {
		query += ` AND period = ?`
		args = append(args, period)
	}
	query += ` ORDER BY period, tier`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	defer rows.Close()
	var out []CostEntry
	for rows.Next() {
		var e CostEntry
		if err := rows.Scan(&e.WorkspaceID, &e.Period, &e.Tier, &e.Calls, &e.PromptTokens, &e.CompletionTokens, &e.Cost); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
