package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPlugin(t *testing.T, db *DB, id string) {
	t.Helper()
	require.NoError(t, NewPluginRepo(db).Create(context.Background(), samplePlugin(id, id+"-name")))
}

func sampleInboxItem(pluginID, externalID string) *InboxItem {
	now := NowMs()
	return &InboxItem{
		PluginID:   pluginID,
		ExternalID: externalID,
		Type:       "email",
		Title:      "Hello " + externalID,
		Metadata:   "{}",
		Priority:   1,
		Status:     InboxStatusUnread,
		SyncedAt:   now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInboxRepo_BatchUpsert_CreatesThenUpdates(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	item := sampleInboxItem("p1", "ext-1")
	counts, err := repo.BatchUpsert(ctx, []*InboxItem{item})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Created: 1}, counts)
	require.NotEmpty(t, item.ID)
	firstID := item.ID
	firstCreatedAt := item.CreatedAt

	updated := sampleInboxItem("p1", "ext-1")
	updated.Title = "Updated title"
	updated.CreatedAt = firstCreatedAt + 1000 // should be ignored on conflict
	counts, err = repo.BatchUpsert(ctx, []*InboxItem{updated})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Updated: 1}, counts)
	assert.Equal(t, firstID, updated.ID, "upsert must resolve to the existing row id")

	items, err := repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Updated title", items[0].Title)
	assert.Equal(t, firstCreatedAt, items[0].CreatedAt, "createdAt must be preserved across upsert")
}

func TestInboxRepo_Query_FiltersByStatusAndScopesToPlugin(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	seedPlugin(t, db, "p2")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	unread := sampleInboxItem("p1", "ext-1")
	read := sampleInboxItem("p1", "ext-2")
	read.Status = InboxStatusRead
	other := sampleInboxItem("p2", "ext-1")

	_, err := repo.BatchUpsert(ctx, []*InboxItem{unread, read, other})
	require.NoError(t, err)

	items, err := repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = repo.Query(ctx, InboxFilter{PluginID: "p1", Status: InboxStatusRead})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ext-2", items[0].ExternalID)
}

func TestInboxRepo_Query_FullTextSearch(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	matching := sampleInboxItem("p1", "ext-1")
	matching.Title = "Quarterly invoice overdue"
	other := sampleInboxItem("p1", "ext-2")
	other.Title = "Lunch plans"
	_, err := repo.BatchUpsert(ctx, []*InboxItem{matching, other})
	require.NoError(t, err)

	items, err := repo.Query(ctx, InboxFilter{PluginID: "p1", Search: "invoice"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ext-1", items[0].ExternalID)
}

func TestInboxRepo_ListUnclassified(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	unclassified := sampleInboxItem("p1", "ext-1")
	_, err := repo.BatchUpsert(ctx, []*InboxItem{unclassified})
	require.NoError(t, err)

	require.NoError(t, repo.SetClassification(ctx, unclassified.ID, `{"label":"urgent"}`, "summary text", NowMs()))

	items, err := repo.ListUnclassified(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	all, err := repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].AiClassification)
	assert.Equal(t, `{"label":"urgent"}`, *all[0].AiClassification)
}

func TestInboxRepo_MarkReadAndArchive_ScopedToOwningPlugin(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	seedPlugin(t, db, "p2")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	item := sampleInboxItem("p1", "ext-1")
	_, err := repo.BatchUpsert(ctx, []*InboxItem{item})
	require.NoError(t, err)

	// A different plugin id must not be able to touch p1's item.
	require.NoError(t, repo.MarkRead(ctx, "p2", []string{item.ID}, NowMs()))
	got, err := repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, InboxStatusUnread, got[0].Status)

	require.NoError(t, repo.MarkRead(ctx, "p1", []string{item.ID}, NowMs()))
	got, err = repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, InboxStatusRead, got[0].Status)

	require.NoError(t, repo.Archive(ctx, "p1", []string{item.ID}, NowMs()))
	got, err = repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, InboxStatusArchived, got[0].Status)
}

func TestInboxRepo_SnoozeAndUnsnoozeExpired(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	item := sampleInboxItem("p1", "ext-1")
	_, err := repo.BatchUpsert(ctx, []*InboxItem{item})
	require.NoError(t, err)

	now := NowMs()
	require.NoError(t, repo.Snooze(ctx, "p1", item.ID, now-1000, now))

	got, err := repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, InboxStatusSnoozed, got[0].Status)

	n, err := repo.UnsnoozeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, InboxStatusUnread, got[0].Status)
	assert.Nil(t, got[0].SnoozedUntil)
}

func TestInboxRepo_Snooze_NotFound(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	repo := NewInboxRepo(db)
	err := repo.Snooze(context.Background(), "p1", "missing-id", NowMs(), NowMs())
	require.Error(t, err)
}

func TestInboxRepo_DeleteByPlugin(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	seedPlugin(t, db, "p2")
	repo := NewInboxRepo(db)
	ctx := context.Background()

	_, err := repo.BatchUpsert(ctx, []*InboxItem{
		sampleInboxItem("p1", "ext-1"),
		sampleInboxItem("p2", "ext-1"),
	})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByPlugin(ctx, "p1"))

	p1Items, err := repo.Query(ctx, InboxFilter{PluginID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, p1Items)

	p2Items, err := repo.Query(ctx, InboxFilter{PluginID: "p2"})
	require.NoError(t, err)
	assert.Len(t, p2Items, 1)
}
