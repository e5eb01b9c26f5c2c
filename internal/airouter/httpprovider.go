package airouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"devrig/internal/storage"
)

// SecretResolver looks up a named secret's decrypted value, the same
// namespace hostfuncs.GetSecret reads from but scoped to provider
// configuration rather than a plugin.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, name string) (string, error)
}

// HTTPProvider is a generic HTTP chat-completions provider grounded on
// the OpenAI-compatible wire shape most hosted LLM APIs share. It
// lazily resolves its API key through the secrets store and caches it;
// one HTTP client is built at construction and kept for the provider's
// lifetime, with the key sent per request (§4.I).
type HTTPProvider struct {
	id          string
	name        string
	models      []string
	baseURL     string
	secretName  string
	secrets     SecretResolver
	costPerK    float64 // USD per 1000 total tokens, a flat approximation

	mu         sync.Mutex
	cachedKey  string
	httpClient *http.Client
}

func NewHTTPProvider(id, name, baseURL, secretName string, models []string, costPerK float64, secrets SecretResolver) *HTTPProvider {
	return &HTTPProvider{
		id:         id,
		name:       name,
		models:     models,
		baseURL:    baseURL,
		secretName: secretName,
		secrets:    secrets,
		costPerK:   costPerK,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *HTTPProvider) ID() string       { return p.id }
func (p *HTTPProvider) Name() string     { return p.name }
func (p *HTTPProvider) Models() []string { return p.models }

func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	key, err := p.apiKey(ctx)
	return err == nil && key != ""
}

// InvalidateKeyCache drops the cached API key, forcing the next call to
// re-resolve it through the secrets store. Call this after a secret
// rotation (§4.I). The HTTP client is not rebuilt.
func (p *HTTPProvider) InvalidateKeyCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedKey = ""
}

func (p *HTTPProvider) apiKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cachedKey != "" {
		key := p.cachedKey
		p.mu.Unlock()
		return key, nil
	}
	p.mu.Unlock()

	key, err := p.secrets.ResolveSecret(ctx, p.secretName)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cachedKey = key
	p.mu.Unlock()
	return key, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *HTTPProvider) Classify(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return p.Complete(ctx, req)
}

func (p *HTTPProvider) Summarize(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return p.Complete(ctx, req)
}

func (p *HTTPProvider) Draft(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return p.Complete(ctx, req)
}

func (p *HTTPProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	key, err := p.apiKey(ctx)
	if err != nil {
		return nil, NewProviderError(ErrAuthenticationFailed, "failed to resolve api key: "+err.Error(), 0)
	}
	if key == "" {
		return nil, NewProviderError(ErrAuthenticationFailed, "no api key configured for provider "+p.id, 0)
	}

	messages := req.Messages
	if len(messages) == 0 && req.Prompt != "" {
		messages = []Message{{Role: "user", Content: req.Prompt}}
	}
	wireMessages := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		wireMessages = append(wireMessages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    wireMessages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, NewProviderError(ErrInvalidRequest, "failed to marshal request", 0)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError(ErrInvalidRequest, "failed to build request", 0)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(ErrNetworkError, err.Error(), 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError(ErrNetworkError, "failed to read response body", resp.StatusCode)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTPError(resp, data)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewProviderError(ErrUnknown, "failed to parse provider response", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewProviderError(ErrUnknown, "provider returned no choices", resp.StatusCode)
	}

	totalTokens := parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens
	return &CompletionResult{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		CostUsd:      float64(totalTokens) / 1000 * p.costPerK,
	}, nil
}

func classifyHTTPError(resp *http.Response, body []byte) error {
	message := string(body)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &ProviderError{Code: ErrRateLimited, Message: message, Retryable: true, RetryAfterMs: retryAfterMs(resp)}
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewProviderError(ErrAuthenticationFailed, message, resp.StatusCode)
	case http.StatusRequestEntityTooLarge:
		return NewProviderError(ErrTokenLimitExceeded, message, resp.StatusCode)
	case http.StatusBadRequest:
		return NewProviderError(ErrInvalidRequest, message, resp.StatusCode)
	case http.StatusServiceUnavailable:
		return NewProviderError(ErrProviderUnavailable, message, resp.StatusCode)
	default:
		return NewProviderError(ErrUnknown, message, resp.StatusCode)
	}
}

func retryAfterMs(resp *http.Response) int64 {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	var seconds int64
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil {
		return 0
	}
	return seconds * 1000
}

// secretRepoResolver adapts storage.SecretRepo to the SecretResolver
// interface HTTPProvider uses.
type secretRepoResolver struct {
	repo *storage.SecretRepo
}

func NewSecretRepoResolver(repo *storage.SecretRepo) SecretResolver {
	return &secretRepoResolver{repo: repo}
}

func (r *secretRepoResolver) ResolveSecret(ctx context.Context, name string) (string, error) {
	secret, err := r.repo.GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	return secret.EncryptedValue, nil
}
