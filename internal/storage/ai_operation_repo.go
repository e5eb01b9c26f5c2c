package storage

import (
	"context"
)

// AiOperationRepo backs the append-only AiOperation ledger (§3, §4.I).
// Rows are never updated; deletion only happens via retention policy.
type AiOperationRepo struct {
	db *DB
}

func NewAiOperationRepo(db *DB) *AiOperationRepo { return &AiOperationRepo{db: db} }

func (r *AiOperationRepo) Insert(ctx context.Context, op *AiOperation) error {
	if op.ID == "" {
		op.ID = NewID()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO ai_operations (
			id, provider, model, operation, plugin_id, pipeline_id, inbox_item_id,
			execution_id, input_tokens, output_tokens, cost_usd, duration_ms, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		op.ID, op.Provider, op.Model, op.Operation, op.PluginID, op.PipelineID,
		op.InboxItemID, op.ExecutionID, op.InputTokens, op.OutputTokens, op.CostUsd,
		op.DurationMs, op.CreatedAt,
	)
	return err
}

// ProviderRollup is the per-provider aggregate §4.I's ledger aggregation
// queries expose.
type ProviderRollup struct {
	Provider     string
	Operations   int
	InputTokens  int64
	OutputTokens int64
	CostUsd      float64
}

func (r *AiOperationRepo) RollupByProviderSince(ctx context.Context, since int64) ([]ProviderRollup, error) {
	rows, err := r.db.Query(ctx, `
		SELECT provider, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM ai_operations WHERE created_at >= ?
		GROUP BY provider
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderRollup
	for rows.Next() {
		var p ProviderRollup
		if err := rows.Scan(&p.Provider, &p.Operations, &p.InputTokens, &p.OutputTokens, &p.CostUsd); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *AiOperationRepo) CostByPluginSince(ctx context.Context, pluginID string, since int64) (float64, error) {
	row := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd),0) FROM ai_operations
		WHERE plugin_id = ? AND created_at >= ?
	`, pluginID, since)
	var cost float64
	err := row.Scan(&cost)
	return cost, err
}

func (r *AiOperationRepo) CountSince(ctx context.Context, since int64) (int, error) {
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM ai_operations WHERE created_at >= ?`, since)
	var count int
	err := row.Scan(&count)
	return count, err
}

// DailyUsage is one bucket of the daily/provider/plugin-scoped usage
// report §4.I's ledger supports.
type DailyUsage struct {
	Day          string
	Operations   int
	InputTokens  int64
	OutputTokens int64
	CostUsd      float64
}

func (r *AiOperationRepo) DailyUsage(ctx context.Context, fromMs, toMs int64, provider, pluginID string) ([]DailyUsage, error) {
	query := `
		SELECT date(created_at / 1000, 'unixepoch') AS day,
		       COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM ai_operations
		WHERE created_at >= ? AND created_at <= ?
	`
	args := []interface{}{fromMs, toMs}
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}
	if pluginID != "" {
		query += " AND plugin_id = ?"
		args = append(args, pluginID)
	}
	query += " GROUP BY day ORDER BY day"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Day, &d.Operations, &d.InputTokens, &d.OutputTokens, &d.CostUsd); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteOlderThan implements the retention policy: AiOperation rows are
// only ever deleted this way.
func (r *AiOperationRepo) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int, error) {
	res, err := r.db.Exec(ctx, `DELETE FROM ai_operations WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
