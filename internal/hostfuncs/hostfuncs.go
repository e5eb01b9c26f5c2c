// Package hostfuncs implements the host-side handlers behind every
// `__host*` callback a sandbox installs (§4.F), gating each effectful
// call on the calling plugin's declared permissions before doing
// anything.
package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"devrig/internal/airouter"
	"devrig/internal/apperr"
	"devrig/internal/eventbus"
	"devrig/internal/manifest"
	"devrig/internal/storage"
)

// PermissionSource resolves a plugin's currently declared permissions,
// so the gate always reflects the live descriptor rather than a copy
// captured at sandbox-construction time.
type PermissionSource interface {
	PermissionsFor(pluginID string) (manifest.Permissions, bool)
}

// Host implements sandbox.HostCallbacks against the storage layer, the
// event bus, and the AI router.
type Host struct {
	permissions PermissionSource
	inboxRepo   *storage.InboxRepo
	secretRepo  *storage.SecretRepo
	bus         eventbus.Bus
	router      *airouter.Router
	httpClient  *http.Client
	log         *slog.Logger
}

func New(permissions PermissionSource, db *storage.DB, bus eventbus.Bus, router *airouter.Router) *Host {
	return &Host{
		permissions: permissions,
		inboxRepo:   storage.NewInboxRepo(db),
		secretRepo:  storage.NewSecretRepo(db),
		bus:         bus,
		router:      router,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		log:         slog.Default().With("component", "hostfuncs"),
	}
}

// Log clamps level to {debug,info,warn,error} and truncates msg to
// 2000 chars (§4.D, §6). Always allowed.
func (h *Host) Log(pluginID string, level, message string) {
	if len(message) > 2000 {
		message = message[:2000]
	}
	logger := h.log.With("plugin_id", pluginID)
	switch clampLevel(level) {
	case "debug":
		logger.Debug(message)
	case "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
}

func clampLevel(level string) string {
	switch level {
	case "debug", "info", "warn", "error":
		return level
	default:
		return "info"
	}
}

type fetchRequest struct {
	URL  string         `json:"url"`
	Opts map[string]any `json:"opts"`
}

type fetchResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
}

// Fetch performs a plain HTTP request if the URL matches the calling
// plugin's declared network allowlist (§4.F).
func (h *Host) Fetch(ctx context.Context, pluginID string, reqJSON string) (string, error) {
	var req fetchRequest
	if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
		return "", apperr.Validation("invalid fetch request payload")
	}

	perms, ok := h.permissions.PermissionsFor(pluginID)
	if !ok || !manifest.MatchesNetworkAllowlist(perms.Network, req.URL) {
		return "", apperr.PermissionDenied("Network access denied for URL: " + req.URL)
	}

	method := "GET"
	var bodyReader io.Reader
	if m, ok := req.Opts["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if body, ok := req.Opts["body"].(string); ok {
		bodyReader = strings.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, "failed to build request", err)
	}
	if headers, ok := req.Opts["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, "fetch failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, "failed to read response body", err)
	}

	out := fetchResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    flattenHeaders(resp.Header),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			out.Body = parsed
		} else {
			out.Body = string(data)
		}
	} else {
		out.Body = string(data)
	}

	result, err := json.Marshal(out)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, "failed to marshal fetch response", err)
	}
	return string(result), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// GetSecret resolves a plugin-scoped secret if key is in the plugin's
// declared secrets list (§4.F).
func (h *Host) GetSecret(ctx context.Context, pluginID string, key string) (string, error) {
	perms, ok := h.permissions.PermissionsFor(pluginID)
	if !ok || !manifest.HasSecret(perms.Secrets, key) {
		return "", apperr.PermissionDenied("secret not declared by plugin: " + key)
	}

	namespacedName := fmt.Sprintf("%s:%s", pluginID, key)
	secret, err := h.secretRepo.GetByName(ctx, namespacedName)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return "", nil
		}
		return "", err
	}
	encoded, err := json.Marshal(secret.EncryptedValue)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

type guestItem struct {
	ID           string          `json:"id"`
	ExternalID   string          `json:"externalId"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Body         *string         `json:"body"`
	Preview      *string         `json:"preview"`
	SourceURL    *string         `json:"sourceUrl"`
	Priority     json.RawMessage `json:"priority"`
	IsActionable bool            `json:"isActionable"`
	Metadata     any             `json:"metadata"`
}

var priorityWords = map[string]int{"critical": 4, "high": 3, "normal": 2, "low": 1}

// StoreItems coerces guest items into InboxItem rows and upserts them
// in a single transaction keyed on (pluginId, externalId) (§4.F).
func (h *Host) StoreItems(ctx context.Context, pluginID string, itemsJSON string) error {
	var guestItems []guestItem
	if err := json.Unmarshal([]byte(itemsJSON), &guestItems); err != nil {
		return apperr.Validation("invalid storeItems payload")
	}

	now := storage.NowMs()
	items := make([]*storage.InboxItem, 0, len(guestItems))
	for _, gi := range guestItems {
		externalID := gi.ExternalID
		if externalID == "" {
			externalID = gi.ID
		}
		metadataJSON, err := json.Marshal(gi.Metadata)
		if err != nil {
			metadataJSON = []byte("{}")
		}
		items = append(items, &storage.InboxItem{
			PluginID:     pluginID,
			ExternalID:   externalID,
			Type:         gi.Type,
			Title:        gi.Title,
			Body:         gi.Body,
			Preview:      gi.Preview,
			SourceURL:    gi.SourceURL,
			Priority:     resolvePriority(gi.Priority),
			Status:       storage.InboxStatusUnread,
			Metadata:     string(metadataJSON),
			IsActionable: gi.IsActionable,
			SyncedAt:     now,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	_, err := h.inboxRepo.BatchUpsert(ctx, items)
	return err
}

func resolvePriority(raw json.RawMessage) int {
	if len(raw) == 0 {
		return priorityWords["normal"]
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return int(asNumber)
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if v, ok := priorityWords[asString]; ok {
			return v
		}
	}
	return priorityWords["normal"]
}

// QueryItems always filters by the calling plugin's id (§4.F, §8
// invariant 1).
func (h *Host) QueryItems(ctx context.Context, pluginID string, filterJSON string) (string, error) {
	var filter struct {
		Status string `json:"status"`
		Search string `json:"search"`
		Limit  int    `json:"limit"`
	}
	if filterJSON != "" {
		_ = json.Unmarshal([]byte(filterJSON), &filter)
	}

	items, err := h.inboxRepo.Query(ctx, storage.InboxFilter{
		PluginID: pluginID,
		Status:   storage.InboxStatus(filter.Status),
		Search:   filter.Search,
		Limit:    filter.Limit,
	})
	if err != nil {
		return "", err
	}
	result, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

// MarkRead restricts affected rows to ids owned by the calling plugin
// (§4.F defense in depth).
func (h *Host) MarkRead(ctx context.Context, pluginID string, idsJSON string) error {
	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return apperr.Validation("invalid ids payload")
	}
	return h.inboxRepo.MarkRead(ctx, pluginID, ids, storage.NowMs())
}

func (h *Host) Archive(ctx context.Context, pluginID string, idsJSON string) error {
	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return apperr.Validation("invalid ids payload")
	}
	return h.inboxRepo.Archive(ctx, pluginID, ids, storage.NowMs())
}

// EmitEvent publishes onto the in-process bus under
// plugin:<pluginId>:<name> (§4.F). Always allowed.
func (h *Host) EmitEvent(pluginID string, name string, dataJSON string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
		payload = map[string]any{"raw": dataJSON}
	}
	channel := fmt.Sprintf("plugin:%s:%s", pluginID, name)
	h.bus.Publish(channel, payload)
}

// RequestAI resolves the configured provider and dispatches op as a
// method name if the plugin declares ai:true (§4.F).
func (h *Host) RequestAI(ctx context.Context, pluginID string, op string, paramsJSON string) (string, error) {
	perms, ok := h.permissions.PermissionsFor(pluginID)
	if !ok || !manifest.AllowsAI(perms) {
		return "", apperr.PermissionDenied("plugin does not declare ai permission")
	}

	var params airouter.CompletionRequest
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return "", apperr.Validation("invalid requestAI params payload")
		}
	}

	result, err := h.router.DispatchOp(ctx, op, pluginID, params)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
