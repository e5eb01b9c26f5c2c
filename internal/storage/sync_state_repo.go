package storage

import (
	"context"
	"database/sql"
	"errors"

	"devrig/internal/apperr"
)

// SyncStateRepo backs PluginSyncState, the per-(pluginId, dataSourceId)
// row the sync scheduler (§4.G) drives through idle/syncing/error.
type SyncStateRepo struct {
	db *DB
}

func NewSyncStateRepo(db *DB) *SyncStateRepo { return &SyncStateRepo{db: db} }

func (r *SyncStateRepo) GetOrCreate(ctx context.Context, pluginID, dataSourceID string, now int64) (*PluginSyncState, error) {
	state, err := r.Get(ctx, pluginID, dataSourceID)
	if err == nil {
		return state, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO plugin_sync_states
			(plugin_id, data_source_id, sync_status, items_synced, created_at, updated_at)
		VALUES (?, ?, 'idle', 0, ?, ?)
		ON CONFLICT(plugin_id, data_source_id) DO NOTHING
	`, pluginID, dataSourceID, now, now)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, pluginID, dataSourceID)
}

func (r *SyncStateRepo) Get(ctx context.Context, pluginID, dataSourceID string) (*PluginSyncState, error) {
	row := r.db.QueryRow(ctx, `
		SELECT plugin_id, data_source_id, last_sync_at, sync_cursor, sync_status,
		       error, items_synced, created_at, updated_at
		FROM plugin_sync_states WHERE plugin_id = ? AND data_source_id = ?
	`, pluginID, dataSourceID)
	s, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("sync state not found")
	}
	return s, err
}

func (r *SyncStateRepo) ListByPlugin(ctx context.Context, pluginID string) ([]*PluginSyncState, error) {
	rows, err := r.db.Query(ctx, `
		SELECT plugin_id, data_source_id, last_sync_at, sync_cursor, sync_status,
		       error, items_synced, created_at, updated_at
		FROM plugin_sync_states WHERE plugin_id = ?
	`, pluginID)
	if err != nil {
		return nil, err
	}
	return scanSyncStates(rows)
}

func (r *SyncStateRepo) ListAll(ctx context.Context) ([]*PluginSyncState, error) {
	rows, err := r.db.Query(ctx, `
		SELECT plugin_id, data_source_id, last_sync_at, sync_cursor, sync_status,
		       error, items_synced, created_at, updated_at
		FROM plugin_sync_states
	`)
	if err != nil {
		return nil, err
	}
	return scanSyncStates(rows)
}

// TransitionSyncing flips the row to `syncing` only if it is not already
// syncing, the compare-and-set that enforces sync exclusivity (§8
// invariant 3). It reports whether the transition was applied.
func (r *SyncStateRepo) TransitionSyncing(ctx context.Context, pluginID, dataSourceID string, now int64) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE plugin_sync_states
		SET sync_status = 'syncing', error = NULL, updated_at = ?
		WHERE plugin_id = ? AND data_source_id = ? AND sync_status != 'syncing'
	`, now, pluginID, dataSourceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SyncStateRepo) TransitionIdle(ctx context.Context, pluginID, dataSourceID string, itemsSynced int, now int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE plugin_sync_states
		SET sync_status = 'idle', error = NULL, items_synced = ?, last_sync_at = ?, updated_at = ?
		WHERE plugin_id = ? AND data_source_id = ?
	`, itemsSynced, now, now, pluginID, dataSourceID)
	return err
}

func (r *SyncStateRepo) TransitionError(ctx context.Context, pluginID, dataSourceID, errMsg string, now int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE plugin_sync_states
		SET sync_status = 'error', error = ?, updated_at = ?
		WHERE plugin_id = ? AND data_source_id = ?
	`, errMsg, now, pluginID, dataSourceID)
	return err
}

func (r *SyncStateRepo) SetCursor(ctx context.Context, pluginID, dataSourceID, cursor string, now int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE plugin_sync_states SET sync_cursor = ?, updated_at = ?
		WHERE plugin_id = ? AND data_source_id = ?
	`, cursor, now, pluginID, dataSourceID)
	return err
}

func (r *SyncStateRepo) Delete(ctx context.Context, pluginID, dataSourceID string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM plugin_sync_states WHERE plugin_id = ? AND data_source_id = ?
	`, pluginID, dataSourceID)
	return err
}

func (r *SyncStateRepo) DeleteByPlugin(ctx context.Context, pluginID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM plugin_sync_states WHERE plugin_id = ?`, pluginID)
	return err
}

func scanSyncState(row *sql.Row) (*PluginSyncState, error) {
	var s PluginSyncState
	var status string
	if err := row.Scan(&s.PluginID, &s.DataSourceID, &s.LastSyncAt, &s.SyncCursor, &status,
		&s.Error, &s.ItemsSynced, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.SyncStatus = SyncStatus(status)
	return &s, nil
}

func scanSyncStates(rows *sql.Rows) ([]*PluginSyncState, error) {
	defer rows.Close()
	var out []*PluginSyncState
	for rows.Next() {
		var s PluginSyncState
		var status string
		if err := rows.Scan(&s.PluginID, &s.DataSourceID, &s.LastSyncAt, &s.SyncCursor, &status,
			&s.Error, &s.ItemsSynced, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.SyncStatus = SyncStatus(status)
		out = append(out, &s)
	}
	return out, rows.Err()
}
