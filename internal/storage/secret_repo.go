package storage

import (
	"context"
	"database/sql"
	"errors"

	"devrig/internal/apperr"
)

// SecretRepo backs Secret. List views always project through
// SecretSummary so EncryptedValue never leaves the storage layer
// except via GetByName, which hostfuncs.getSecret uses directly.
type SecretRepo struct {
	db *DB
}

func NewSecretRepo(db *DB) *SecretRepo { return &SecretRepo{db: db} }

func (r *SecretRepo) Create(ctx context.Context, s *Secret) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO secrets (id, name, encrypted_value, provider, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
	`, s.ID, s.Name, s.EncryptedValue, s.Provider, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return translateConstraint(err, "secret name already exists: "+s.Name)
	}
	return nil
}

func (r *SecretRepo) GetByName(ctx context.Context, name string) (*Secret, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, encrypted_value, provider, created_at, updated_at
		FROM secrets WHERE name = ?
	`, name)
	var s Secret
	err := row.Scan(&s.ID, &s.Name, &s.EncryptedValue, &s.Provider, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("secret not found: " + name)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SecretRepo) List(ctx context.Context) ([]*SecretSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, provider, created_at, updated_at FROM secrets ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SecretSummary
	for rows.Next() {
		var s SecretSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Provider, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpdateValue rotates a secret's encrypted value. Callers (the secrets
// UI, provider key rotation) must invalidate any cached resolution
// keyed on the old value after this returns.
func (r *SecretRepo) UpdateValue(ctx context.Context, name, encryptedValue string, now int64) error {
	res, err := r.db.Exec(ctx, `
		UPDATE secrets SET encrypted_value = ?, updated_at = ? WHERE name = ?
	`, encryptedValue, now, name)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "secret not found: "+name)
}

func (r *SecretRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.Exec(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "secret not found: "+name)
}
