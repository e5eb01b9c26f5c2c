package api

import (
	"encoding/json"
	"net/http"

	"devrig/internal/apperr"
	"devrig/internal/pluginmanager"
	"devrig/internal/syncscheduler"

	"github.com/go-chi/chi/v5"
)

// PluginsHandler exposes the plugin manager and sync scheduler over
// HTTP for the management surface (install/uninstall, enable/disable,
// manual sync trigger).
type PluginsHandler struct {
	manager *pluginmanager.Manager
	sync    *syncscheduler.Scheduler
}

func NewPluginsHandler(manager *pluginmanager.Manager, sync *syncscheduler.Scheduler) *PluginsHandler {
	return &PluginsHandler{manager: manager, sync: sync}
}

func (h *PluginsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/plugins", func(r chi.Router) {
		r.Get("/", h.ListPlugins)
		r.Post("/", h.InstallPlugin)
		r.Delete("/{id}", h.UninstallPlugin)
		r.Patch("/{id}/enabled", h.SetEnabled)
		r.Post("/{id}/sync", h.TriggerSync)
	})
}

type pluginView struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *PluginsHandler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	managed := h.manager.List()
	out := make([]pluginView, 0, len(managed))
	for _, mp := range managed {
		view := pluginView{Status: string(mp.Status), Error: mp.Error}
		if mp.Descriptor != nil {
			view.ID = mp.Descriptor.ID
			view.Name = mp.Descriptor.Name
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PluginsHandler) InstallPlugin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourcePath string `json:"sourcePath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.RenderError(w, r, apperr.Validation("invalid request body"))
		return
	}

	mp, err := h.manager.Install(r.Context(), body.SourcePath)
	if err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pluginView{ID: mp.Descriptor.ID, Name: mp.Descriptor.Name, Status: string(mp.Status)})
}

func (h *PluginsHandler) UninstallPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Uninstall(r.Context(), id); err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PluginsHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.RenderError(w, r, apperr.Validation("invalid request body"))
		return
	}
	if err := h.manager.SetEnabled(r.Context(), id, body.Enabled); err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *PluginsHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sync.TriggerSync(r.Context(), id); err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
