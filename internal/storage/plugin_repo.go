package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"devrig/internal/apperr"
)

// PluginRepo implements the repository pattern the teacher uses throughout
// its postgres/ persistence packages (create, get, list, update, delete),
// generalized from per-domain repos (ArtistRepository, TrackRepository) to
// the Plugin entity — a distinct concrete type, not a shared generic base,
// per §9's note that repositories stay concrete in a typed rewrite.
type PluginRepo struct {
	db *DB
}

func NewPluginRepo(db *DB) *PluginRepo { return &PluginRepo{db: db} }

func (r *PluginRepo) Create(ctx context.Context, p *Plugin) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO plugins (id, name, version, manifest, enabled, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Version, p.Manifest, boolToInt(p.Enabled), p.InstalledAt, p.UpdatedAt)
	if err != nil {
		return translateConstraint(err, "plugin name already registered: "+p.Name)
	}
	return nil
}

func (r *PluginRepo) GetByID(ctx context.Context, id string) (*Plugin, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, version, manifest, enabled, installed_at, updated_at
		FROM plugins WHERE id = ?
	`, id)
	return scanPlugin(row)
}

func (r *PluginRepo) GetByName(ctx context.Context, name string) (*Plugin, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, version, manifest, enabled, installed_at, updated_at
		FROM plugins WHERE name = ?
	`, name)
	return scanPlugin(row)
}

func (r *PluginRepo) List(ctx context.Context) ([]*Plugin, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, version, manifest, enabled, installed_at, updated_at FROM plugins
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		p, err := scanPluginRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PluginRepo) ListEnabled(ctx context.Context) ([]*Plugin, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, version, manifest, enabled, installed_at, updated_at
		FROM plugins WHERE enabled = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		p, err := scanPluginRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PluginRepo) SetEnabled(ctx context.Context, id string, enabled bool, now int64) error {
	res, err := r.db.Exec(ctx, `UPDATE plugins SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), now, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "plugin not found: "+id)
}

func (r *PluginRepo) UpdateManifest(ctx context.Context, id, manifest, version string, now int64) error {
	res, err := r.db.Exec(ctx, `UPDATE plugins SET manifest = ?, version = ?, updated_at = ? WHERE id = ?`,
		manifest, version, now, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "plugin not found: "+id)
}

// Delete removes the plugin row. Cascading InboxItem and PluginSyncState
// rows are handled by the schema's ON DELETE CASCADE; AiOperation rows
// have pluginId set to NULL by ON DELETE SET NULL, matching §3's ownership
// rule that the ledger itself is never deleted by an uninstall.
func (r *PluginRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.Exec(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "plugin not found: "+id)
}

// MarkUninstalled records an explicit tombstone so that a future discovery
// pass does not resurrect a plugin whose directory the user left behind —
// the fix for the Open Question in §9 about auto-registration resurrecting
// uninstalled plugins.
func (r *PluginRepo) MarkUninstalled(ctx context.Context, id string, now int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO uninstalled_plugins (plugin_id, uninstalled_at) VALUES (?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET uninstalled_at = excluded.uninstalled_at
	`, id, now)
	return err
}

func (r *PluginRepo) WasUninstalled(ctx context.Context, id string) (bool, error) {
	row := r.db.QueryRow(ctx, `SELECT 1 FROM uninstalled_plugins WHERE plugin_id = ?`, id)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PluginRepo) ClearUninstalled(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM uninstalled_plugins WHERE plugin_id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlugin(row *sql.Row) (*Plugin, error) {
	p, err := scanPluginGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("plugin not found")
	}
	return p, err
}

func scanPluginRows(rows *sql.Rows) (*Plugin, error) {
	return scanPluginGeneric(rows)
}

func scanPluginGeneric(s rowScanner) (*Plugin, error) {
	var p Plugin
	var enabled int
	if err := s.Scan(&p.ID, &p.Name, &p.Version, &p.Manifest, &enabled, &p.InstalledAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(notFoundMsg)
	}
	return nil
}

// translateConstraint converts a sqlite3 UNIQUE/FOREIGN KEY violation into
// the semantic ConstraintViolation kind §7 calls for, the same way the
// teacher's handlers special-case pgx.ErrNoRows at the repository boundary.
func translateConstraint(err error, message string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if containsAny(msg, "UNIQUE constraint failed", "FOREIGN KEY constraint failed") {
		return apperr.Wrap(apperr.KindConstraintViolation, message, err)
	}
	if containsAny(msg, "database is locked", "SQLITE_BUSY") {
		return apperr.Wrap(apperr.KindStorageBusy, "database busy", err)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
