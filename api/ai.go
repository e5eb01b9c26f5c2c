package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"devrig/internal/airouter"
	"devrig/internal/apperr"
	"devrig/internal/storage"

	"github.com/go-chi/chi/v5"
)

// AIHandler exposes the AI router (completion dispatch) and the
// operation ledger (usage/cost reporting) over HTTP.
type AIHandler struct {
	router *airouter.Router
	ledger *storage.AiOperationRepo
}

func NewAIHandler(router *airouter.Router, ledger *storage.AiOperationRepo) *AIHandler {
	return &AIHandler{router: router, ledger: ledger}
}

func (h *AIHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/ai", func(r chi.Router) {
		r.Post("/complete", h.Complete)
		r.Get("/usage/rollup", h.RollupByProvider)
		r.Get("/usage/daily", h.DailyUsage)
	})
}

func (h *AIHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskType string                    `json:"taskType"`
		Request  airouter.CompletionRequest `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.RenderError(w, r, apperr.Validation("invalid request body"))
		return
	}

	result, err := h.router.CompleteWithFallback(r.Context(), body.TaskType, body.Request)
	if err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AIHandler) RollupByProvider(w http.ResponseWriter, r *http.Request) {
	since := parseSinceParam(r, 30*24*time.Hour)
	rollup, err := h.ledger.RollupByProviderSince(r.Context(), since)
	if err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (h *AIHandler) DailyUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := parseSinceParam(r, 30*24*time.Hour)
	to := storage.NowMs()
	if v := q.Get("to"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			to = parsed
		}
	}

	usage, err := h.ledger.DailyUsage(r.Context(), from, to, q.Get("provider"), q.Get("pluginId"))
	if err != nil {
		apperr.RenderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func parseSinceParam(r *http.Request, defaultWindow time.Duration) int64 {
	if v := r.URL.Query().Get("since"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return time.Now().Add(-defaultWindow).UnixMilli()
}
