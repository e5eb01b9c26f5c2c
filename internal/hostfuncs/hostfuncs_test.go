package hostfuncs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"devrig/internal/airouter"
	"devrig/internal/apperr"
	"devrig/internal/eventbus"
	"devrig/internal/manifest"
	"devrig/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePermissionSource struct {
	perms map[string]manifest.Permissions
}

func (f *fakePermissionSource) PermissionsFor(pluginID string) (manifest.Permissions, bool) {
	p, ok := f.perms[pluginID]
	return p, ok
}

func newTestHost(t *testing.T, perms map[string]manifest.Permissions) (*Host, *storage.DB) {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	router := airouter.NewRouter(storage.NewAiOperationRepo(db))
	h := New(&fakePermissionSource{perms: perms}, db, eventbus.NewLocalBus(), router)
	return h, db
}

func TestHost_Log_ClampsLevelAndTruncates(t *testing.T) {
	h, _ := newTestHost(t, nil)
	longMsg := make([]byte, 3000)
	for i := range longMsg {
		longMsg[i] = 'a'
	}
	assert.NotPanics(t, func() { h.Log("p1", "bogus-level", string(longMsg)) })
}

func TestHost_Fetch_DeniedWithoutAllowlist(t *testing.T) {
	h, _ := newTestHost(t, map[string]manifest.Permissions{
		"p1": {Network: []string{"api.acme.com"}},
	})
	reqJSON, _ := json.Marshal(map[string]any{"url": "https://evil.com/x"})
	_, err := h.Fetch(context.Background(), "p1", string(reqJSON))
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}

func TestHost_Fetch_AllowedPerformsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h, _ := newTestHost(t, map[string]manifest.Permissions{
		"p1": {Network: []string{"127.0.0.1"}},
	})
	reqJSON, _ := json.Marshal(map[string]any{"url": srv.URL + "/data"})
	result, err := h.Fetch(context.Background(), "p1", string(reqJSON))
	require.NoError(t, err)
	assert.Contains(t, result, `"status":200`)
}

func TestHost_Fetch_InvalidPayload(t *testing.T) {
	h, _ := newTestHost(t, nil)
	_, err := h.Fetch(context.Background(), "p1", "not json")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestHost_GetSecret_DeniedWhenNotDeclared(t *testing.T) {
	h, _ := newTestHost(t, map[string]manifest.Permissions{
		"p1": {Secrets: []string{"other"}},
	})
	_, err := h.GetSecret(context.Background(), "p1", "apiKey")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}

func TestHost_GetSecret_ReturnsEmptyWhenUnset(t *testing.T) {
	h, _ := newTestHost(t, map[string]manifest.Permissions{
		"p1": {Secrets: []string{"apiKey"}},
	})
	result, err := h.GetSecret(context.Background(), "p1", "apiKey")
	require.NoError(t, err)
	assert.Equal(t, "", result)
}

func TestHost_GetSecret_ResolvesNamespacedSecret(t *testing.T) {
	h, db := newTestHost(t, map[string]manifest.Permissions{
		"p1": {Secrets: []string{"apiKey"}},
	})
	now := storage.NowMs()
	require.NoError(t, storage.NewSecretRepo(db).Create(context.Background(), &storage.Secret{
		Name:           "p1:apiKey",
		EncryptedValue: "sekret",
		Provider:       "local",
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	result, err := h.GetSecret(context.Background(), "p1", "apiKey")
	require.NoError(t, err)
	assert.Equal(t, `"sekret"`, result)
}

func TestHost_StoreItemsAndQueryItems(t *testing.T) {
	h, db := newTestHost(t, nil)
	now := storage.NowMs()
	require.NoError(t, storage.NewPluginRepo(db).Create(context.Background(), &storage.Plugin{ID: "p1", Name: "p1", Version: "1.0.0", Manifest: "{}", Enabled: true, InstalledAt: now, UpdatedAt: now}))
	itemsJSON, _ := json.Marshal([]map[string]any{
		{"externalId": "e1", "type": "email", "title": "Hi", "priority": "high"},
	})
	require.NoError(t, h.StoreItems(context.Background(), "p1", string(itemsJSON)))

	result, err := h.QueryItems(context.Background(), "p1", `{}`)
	require.NoError(t, err)
	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(result), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Hi", items[0]["Title"])
	assert.EqualValues(t, 3, items[0]["Priority"])
}

func TestHost_StoreItems_InvalidPayload(t *testing.T) {
	h, _ := newTestHost(t, nil)
	err := h.StoreItems(context.Background(), "p1", "not json")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestResolvePriority_Variants(t *testing.T) {
	assert.Equal(t, 3, resolvePriority(json.RawMessage(`"high"`)))
	assert.Equal(t, 2, resolvePriority(json.RawMessage(`"unknown-word"`)))
	assert.Equal(t, 7, resolvePriority(json.RawMessage(`7`)))
	assert.Equal(t, 2, resolvePriority(nil))
}

func TestHost_MarkReadAndArchive_ScopeToOwningPlugin(t *testing.T) {
	h, db := newTestHost(t, nil)
	now := storage.NowMs()
	require.NoError(t, storage.NewPluginRepo(db).Create(context.Background(), &storage.Plugin{ID: "p1", Name: "p1", Version: "1.0.0", Manifest: "{}", Enabled: true, InstalledAt: now, UpdatedAt: now}))
	itemsJSON, _ := json.Marshal([]map[string]any{{"externalId": "e1", "type": "email", "title": "Hi"}})
	require.NoError(t, h.StoreItems(context.Background(), "p1", string(itemsJSON)))

	result, err := h.QueryItems(context.Background(), "p1", `{}`)
	require.NoError(t, err)
	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(result), &items))
	id := items[0]["ID"].(string)

	idsJSON, _ := json.Marshal([]string{id})
	require.NoError(t, h.MarkRead(context.Background(), "p1", string(idsJSON)))
	require.NoError(t, h.Archive(context.Background(), "p1", string(idsJSON)))
}

func TestHost_EmitEvent_PublishesNamespacedChannel(t *testing.T) {
	h, _ := newTestHost(t, nil)
	bus := eventbus.NewLocalBus()
	h.bus = bus

	received := make(chan map[string]any, 1)
	bus.Subscribe("plugin:p1:itemSynced", func(payload map[string]any) {
		received <- payload
	})

	h.EmitEvent("p1", "itemSynced", `{"count":5}`)
	select {
	case payload := <-received:
		assert.EqualValues(t, 5, payload["count"])
	default:
		t.Fatal("expected synchronous listener invocation")
	}
}

func TestHost_RequestAI_DeniedWithoutAIPermission(t *testing.T) {
	h, _ := newTestHost(t, map[string]manifest.Permissions{"p1": {AI: false}})
	_, err := h.RequestAI(context.Background(), "p1", "classify", `{}`)
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}
