package storage

import (
	"context"
	"database/sql"
	"errors"
)

// SettingRepo backs the flat key/value Setting store used for
// process-wide preferences that don't warrant their own table
// (default AI provider, retention overrides, UI preferences).
type SettingRepo struct {
	db *DB
}

func NewSettingRepo(db *DB) *SettingRepo { return &SettingRepo{db: db} }

func (r *SettingRepo) Get(ctx context.Context, key string) (string, bool, error) {
	row := r.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *SettingRepo) Set(ctx context.Context, key, value string, now int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

func (r *SettingRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

func (r *SettingRepo) All(ctx context.Context) ([]*Setting, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
