// Package airouter implements the provider registry, routing table with
// fallback chains, provider-agnostic error taxonomy, and cost ledger of
// §4.I.
package airouter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"devrig/internal/apperr"
	"devrig/internal/obs/metrics"
	"devrig/internal/storage"
)

// ErrorCode is a provider-agnostic classification of a provider call
// failure (§4.I).
type ErrorCode string

const (
	ErrRateLimited          ErrorCode = "rate_limited"
	ErrAuthenticationFailed ErrorCode = "authentication_failed"
	ErrTokenLimitExceeded   ErrorCode = "token_limit_exceeded"
	ErrInvalidRequest       ErrorCode = "invalid_request"
	ErrProviderUnavailable  ErrorCode = "provider_unavailable"
	ErrNetworkError         ErrorCode = "network_error"
	ErrUnknown              ErrorCode = "unknown"
)

// ProviderError is the typed error every Provider method must return on
// failure; Router uses Retryable to decide whether to advance the
// fallback chain.
type ProviderError struct {
	Code         ErrorCode
	Message      string
	Retryable    bool
	RetryAfterMs int64
}

func (e *ProviderError) Error() string { return string(e.Code) + ": " + e.Message }

// Unwrap exposes the error as an apperr provider_error, so apperr.As and
// RenderError classify it (HTTP 502).
func (e *ProviderError) Unwrap() error {
	return apperr.ProviderError(e.Error(), e.Retryable, e.RetryAfterMs)
}

// NewProviderError classifies code into its documented retryability,
// with ErrUnknown retryable only when httpStatus >= 500 (§4.I).
func NewProviderError(code ErrorCode, message string, httpStatus int) *ProviderError {
	retryable := false
	switch code {
	case ErrRateLimited, ErrProviderUnavailable, ErrNetworkError:
		retryable = true
	case ErrUnknown:
		retryable = httpStatus >= 500
	}
	return &ProviderError{Code: code, Message: message, Retryable: retryable}
}

// CompletionRequest is the provider-agnostic request shape every
// Provider method accepts.
type CompletionRequest struct {
	Prompt      string            `json:"prompt,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResult is the provider-agnostic response shape, carrying
// the token/cost accounting the ledger records.
type CompletionResult struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUsd      float64 `json:"costUsd"`
	DurationMs   int64   `json:"durationMs"`
}

// Provider is one AI backend's capability surface (§4.I).
type Provider interface {
	ID() string
	Name() string
	Models() []string
	IsAvailable(ctx context.Context) bool
	Classify(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Summarize(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Draft(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// Route pairs a provider and model for one task type. The ordered
// fallback chain of further routes is held by the Router (see SetRoute).
type Route struct {
	ProviderID string
	ModelID    string
}

// Router resolves task types to providers, walking fallback chains on
// retryable errors (§4.I).
type Router struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
	routes          map[string]Route
	fallbacks       map[string][]Route
	ledger          *storage.AiOperationRepo
}

func NewRouter(ledger *storage.AiOperationRepo) *Router {
	return &Router{
		providers: make(map[string]Provider),
		routes:    make(map[string]Route),
		fallbacks: make(map[string][]Route),
		ledger:    ledger,
	}
}

// RegisterProvider adds a provider to the registry. isDefault marks it
// as the exactly-one default (§4.I); registering a second default
// replaces the prior one.
func (r *Router) RegisterProvider(p Provider, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if isDefault {
		r.defaultProvider = p.ID()
	}
}

func (r *Router) SetRoute(taskType string, route Route, fallbacks []Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[taskType] = route
	r.fallbacks[taskType] = fallbacks
}

// Resolve returns the routed (provider, model) pair for taskType, or
// the default provider's first model, or fails with
// provider_unavailable (§4.I, §8 invariant 8).
func (r *Router) Resolve(taskType string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if route, ok := r.routes[taskType]; ok {
		if _, exists := r.providers[route.ProviderID]; exists {
			return route, nil
		}
	}
	if r.defaultProvider != "" {
		if p, ok := r.providers[r.defaultProvider]; ok {
			models := p.Models()
			model := ""
			if len(models) > 0 {
				model = models[0]
			}
			return Route{ProviderID: r.defaultProvider, ModelID: model}, nil
		}
	}
	return Route{}, &ProviderError{Code: ErrProviderUnavailable, Message: "no provider available for task type " + taskType}
}

// CompleteWithFallback walks taskType's fallback chain, trying the
// routed pair first; any retryable provider error advances to the next
// candidate, non-retryable errors propagate immediately (§4.I).
func (r *Router) CompleteWithFallback(ctx context.Context, taskType string, req CompletionRequest) (*CompletionResult, error) {
	primary, err := r.Resolve(taskType)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	chain := append([]Route{primary}, r.fallbacks[taskType]...)
	r.mu.RUnlock()

	var lastErr error
	for _, route := range chain {
		r.mu.RLock()
		p, ok := r.providers[route.ProviderID]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		reqWithModel := req
		if reqWithModel.Model == "" {
			reqWithModel.Model = route.ModelID
		}

		start := time.Now()
		result, err := p.Complete(ctx, reqWithModel)
		if err == nil {
			result.DurationMs = time.Since(start).Milliseconds()
			r.recordLedger(ctx, p.ID(), reqWithModel.Model, "complete", nil, result)
			return result, nil
		}

		lastErr = err
		if pe, ok := err.(*ProviderError); ok && !pe.Retryable {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = &ProviderError{Code: ErrProviderUnavailable, Message: "fallback chain exhausted"}
	}
	return nil, lastErr
}

// DispatchOp is the entry point hostfuncs.RequestAI calls: it resolves
// op's route (falling back to the default provider), dispatches op as a
// method name and records a ledger row for pluginID; unknown ops throw
// (§4.F).
func (r *Router) DispatchOp(ctx context.Context, op, pluginID string, req CompletionRequest) (*CompletionResult, error) {
	route, err := r.Resolve(op)
	if err != nil {
		route, err = r.Resolve("default")
		if err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	p, ok := r.providers[route.ProviderID]
	r.mu.RUnlock()
	if !ok {
		return nil, &ProviderError{Code: ErrProviderUnavailable, Message: "provider not registered: " + route.ProviderID}
	}
	if req.Model == "" {
		req.Model = route.ModelID
	}

	start := time.Now()
	var result *CompletionResult
	switch op {
	case "classify":
		result, err = p.Classify(ctx, req)
	case "summarize":
		result, err = p.Summarize(ctx, req)
	case "draft":
		result, err = p.Draft(ctx, req)
	case "complete":
		result, err = p.Complete(ctx, req)
	default:
		return nil, apperr.Validation("unknown AI operation: " + op)
	}
	if err != nil {
		return nil, err
	}
	result.DurationMs = time.Since(start).Milliseconds()

	pid := pluginID
	r.recordLedger(ctx, p.ID(), req.Model, op, &pid, result)
	return result, nil
}

func (r *Router) recordLedger(ctx context.Context, provider, model, operation string, pluginID *string, result *CompletionResult) {
	durationMs := result.DurationMs
	op := &storage.AiOperation{
		Provider:     provider,
		Model:        model,
		Operation:    operation,
		PluginID:     pluginID,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUsd:      result.CostUsd,
		DurationMs:   &durationMs,
		CreatedAt:    storage.NowMs(),
	}
	if err := r.ledger.Insert(ctx, op); err != nil {
		slog.Default().With("component", "airouter").Error("failed to record ledger entry", "error", err)
	}
	metrics.AiOperationsTotal.WithLabelValues(provider, operation).Inc()
	metrics.AiCostUsdTotal.WithLabelValues(provider).Add(result.CostUsd)
}
