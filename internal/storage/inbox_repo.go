package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InboxRepo backs InboxItem. BatchUpsert is the single place that
// implements sync idempotence (§8 invariant 2): createdAt is preserved on
// conflict, updatedAt always advances.
type InboxRepo struct {
	db *DB
}

func NewInboxRepo(db *DB) *InboxRepo { return &InboxRepo{db: db} }

// UpsertCounts reports how many rows a BatchUpsert call created vs updated.
type UpsertCounts struct {
	Created int
	Updated int
}

// BatchUpsert inserts-or-updates every item keyed on (pluginId, externalId)
// inside a single transaction, per §4.A and §4.F's storeItems contract.
func (r *InboxRepo) BatchUpsert(ctx context.Context, items []*InboxItem) (UpsertCounts, error) {
	var counts UpsertCounts
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			existingID, err := existingInboxID(ctx, tx, item.PluginID, item.ExternalID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			if errors.Is(err, sql.ErrNoRows) {
				if item.ID == "" {
					item.ID = NewID()
				}
				_, err := tx.ExecContext(ctx, `
					INSERT INTO inbox_items (
						id, plugin_id, external_id, type, title, body, preview, source_url,
						priority, status, ai_classification, ai_summary, ai_draft, metadata,
						is_actionable, snoozed_until, external_created_at, synced_at,
						created_at, updated_at
					) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
				`,
					item.ID, item.PluginID, item.ExternalID, item.Type, item.Title,
					item.Body, item.Preview, item.SourceURL, item.Priority, string(item.Status),
					item.AiClassification, item.AiSummary, item.AiDraft, item.Metadata,
					boolToInt(item.IsActionable), item.SnoozedUntil, item.ExternalCreatedAt,
					item.SyncedAt, item.CreatedAt, item.UpdatedAt,
				)
				if err != nil {
					return translateConstraint(err, "duplicate external id: "+item.ExternalID)
				}
				counts.Created++
				continue
			}

			item.ID = existingID
			_, err = tx.ExecContext(ctx, `
				UPDATE inbox_items SET
					type = ?, title = ?, body = ?, preview = ?, source_url = ?,
					priority = ?, metadata = ?, is_actionable = ?,
					external_created_at = ?, synced_at = ?, updated_at = ?
				WHERE id = ?
			`,
				item.Type, item.Title, item.Body, item.Preview, item.SourceURL,
				item.Priority, item.Metadata, boolToInt(item.IsActionable),
				item.ExternalCreatedAt, item.SyncedAt, item.UpdatedAt, item.ID,
			)
			if err != nil {
				return err
			}
			counts.Updated++
		}
		return nil
	})
	return counts, err
}

func existingInboxID(ctx context.Context, tx *sql.Tx, pluginID, externalID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM inbox_items WHERE plugin_id = ? AND external_id = ?
	`, pluginID, externalID).Scan(&id)
	return id, err
}

// InboxFilter scopes a query; PluginID is always required — every
// caller-visible query is filtered by the calling plugin (§4.F, §8
// invariant 1).
type InboxFilter struct {
	PluginID string
	Status   InboxStatus
	Search   string
	Limit    int
}

func (r *InboxRepo) Query(ctx context.Context, f InboxFilter) ([]*InboxItem, error) {
	var b strings.Builder
	args := []interface{}{}

	if f.Search != "" {
		b.WriteString(`
			SELECT i.id, i.plugin_id, i.external_id, i.type, i.title, i.body, i.preview,
			       i.source_url, i.priority, i.status, i.ai_classification, i.ai_summary,
			       i.ai_draft, i.metadata, i.is_actionable, i.snoozed_until,
			       i.external_created_at, i.synced_at, i.created_at, i.updated_at
			FROM inbox_items i
			JOIN inbox_items_fts f ON f.rowid = i.rowid
			WHERE i.plugin_id = ? AND inbox_items_fts MATCH ?
		`)
		args = append(args, f.PluginID, f.Search)
	} else {
		b.WriteString(`
			SELECT id, plugin_id, external_id, type, title, body, preview,
			       source_url, priority, status, ai_classification, ai_summary,
			       ai_draft, metadata, is_actionable, snoozed_until,
			       external_created_at, synced_at, created_at, updated_at
			FROM inbox_items WHERE plugin_id = ?
		`)
		args = append(args, f.PluginID)
	}

	if f.Status != "" {
		b.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	b.WriteString(" ORDER BY priority DESC, created_at DESC")
	if f.Limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := r.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *InboxRepo) ListUnclassified(ctx context.Context, pluginID string, limit int) ([]*InboxItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, plugin_id, external_id, type, title, body, preview,
		       source_url, priority, status, ai_classification, ai_summary,
		       ai_draft, metadata, is_actionable, snoozed_until,
		       external_created_at, synced_at, created_at, updated_at
		FROM inbox_items
		WHERE plugin_id = ? AND ai_classification IS NULL
		ORDER BY created_at DESC LIMIT ?
	`, pluginID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *InboxRepo) SetClassification(ctx context.Context, id, classificationJSON, summary string, now int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE inbox_items SET ai_classification = ?, ai_summary = ?, updated_at = ? WHERE id = ?
	`, classificationJSON, summary, now, id)
	return err
}

// MarkRead and Archive restrict affected rows to the calling plugin, the
// defense-in-depth §4.F requires against cross-plugin tampering.
func (r *InboxRepo) MarkRead(ctx context.Context, pluginID string, ids []string, now int64) error {
	return r.updateStatusWhereOwned(ctx, pluginID, ids, string(InboxStatusRead), now)
}

func (r *InboxRepo) Archive(ctx context.Context, pluginID string, ids []string, now int64) error {
	return r.updateStatusWhereOwned(ctx, pluginID, ids, string(InboxStatusArchived), now)
}

func (r *InboxRepo) updateStatusWhereOwned(ctx context.Context, pluginID string, ids []string, status string, now int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+3)
	args = append(args, status, now, pluginID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		UPDATE inbox_items SET status = ?, updated_at = ?
		WHERE plugin_id = ? AND id IN (%s)
	`, placeholders)
	_, err := r.db.Exec(ctx, query, args...)
	return err
}

// Snooze sets status=snoozed and snoozedUntil atomically, preserving the
// §3 invariant that the two fields move together.
func (r *InboxRepo) Snooze(ctx context.Context, pluginID, id string, until, now int64) error {
	res, err := r.db.Exec(ctx, `
		UPDATE inbox_items SET status = 'snoozed', snoozed_until = ?, updated_at = ?
		WHERE id = ? AND plugin_id = ?
	`, until, now, id, pluginID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, "inbox item not found: "+id)
}

// UnsnoozeExpired atomically flips every snoozed row whose snoozedUntil has
// passed back to unread, per the §4.G snooze-expiry tick contract.
func (r *InboxRepo) UnsnoozeExpired(ctx context.Context, now int64) (int, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE inbox_items SET status = 'unread', snoozed_until = NULL, updated_at = ?
		WHERE status = 'snoozed' AND snoozed_until <= ?
	`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *InboxRepo) DeleteByPlugin(ctx context.Context, pluginID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM inbox_items WHERE plugin_id = ?`, pluginID)
	return err
}

func scanInboxItem(rows *sql.Rows) (*InboxItem, error) {
	var item InboxItem
	var status string
	var isActionable int
	if err := rows.Scan(
		&item.ID, &item.PluginID, &item.ExternalID, &item.Type, &item.Title,
		&item.Body, &item.Preview, &item.SourceURL, &item.Priority, &status,
		&item.AiClassification, &item.AiSummary, &item.AiDraft, &item.Metadata,
		&isActionable, &item.SnoozedUntil, &item.ExternalCreatedAt, &item.SyncedAt,
		&item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = InboxStatus(status)
	item.IsActionable = isActionable != 0
	return &item, nil
}
