package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sieve/internal/services"
)

const (
	defaultHTTPTimeout   = 60 * time.Second
	defaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	providerName         = "openrouter"
)

// Config captures the runtime settings required to talk to an
// OpenRouter-compatible chat completions endpoint.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// Client wraps the OpenRouter chat completion API. Each call is a single
// attempt; retry and fallback policy belong to the caller.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs an LLM client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Referer:        strings.TrimSpace(cfg.Referer),
			Title:          strings.TrimSpace(cfg.Title),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultOpenRouterURL
	}
	return client
}

// Name identifies the provider in logs and errors.
func (c *Client) Name() string { return providerName + ":" + c.cfg.Model }

// emptyReplyError is returned when a 200 response carries no usable text,
// usually a refusal or a length cutoff.
type emptyReplyError struct {
	finishReason string
	refusal      string
	body         string
}

func (e *emptyReplyError) Error() string {
	return fmt.Sprintf("empty content (finish_reason=%q, refusal=%q, response_snippet=%s)",
		e.finishReason, e.refusal, snippet(e.body))
}

// CompleteJSON issues a JSON-only chat completion request with the supplied
// prompts. Failures carry services markers: HTTP 429 is a RateLimitError,
// 408/5xx and network timeouts are transient, 401/403 are fatal config.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (services.Completion, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	if systemPrompt == "" || userPrompt == "" {
		return services.Completion{}, services.Wrap(services.ErrValidation, providerName, "complete", "system and user prompts required", nil)
	}
	if c.cfg.APIKey == "" {
		return services.Completion{}, services.Wrap(services.ErrFatalConfig, providerName, "complete", "api key required", nil)
	}
	resp, body, err := c.post(ctx, chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return services.Completion{}, err
	}
	content, finishReason := resp.content()
	if content == "" {
		return services.Completion{}, services.Wrap(services.ErrTransient, providerName, "complete", "",
			&emptyReplyError{finishReason: finishReason, refusal: resp.refusal(), body: string(body)})
	}
	out := services.Completion{
		Content:          content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = c.cfg.Model
	}
	return out, nil
}

// HealthCheck issues a fast ping to verify the API key and model are usable.
func (c *Client) HealthCheck(ctx context.Context) error {
	completion, err := c.CompleteJSON(ctx, "You must respond with JSON only.", `Respond with {"ok":true}`)
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := DecodeJSON(completion.Content, &parsed); err != nil {
		return fmt.Errorf("llm health: parse payload: %w", err)
	}
	if !parsed.OK {
		return errors.New("llm health: unexpected response")
	}
	return nil
}

// post sends one request. Non-2xx statuses become services errors so the
// router can tell rate limits and outages from bad configuration.
func (c *Client) post(ctx context.Context, payload chatRequest) (chatResponse, []byte, error) {
	var resp chatResponse
	encoded, err := json.Marshal(payload)
	if err != nil {
		return resp, nil, fmt.Errorf("llm request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return resp, nil, services.Wrap(services.ErrFatalConfig, providerName, "new request", c.cfg.BaseURL, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return resp, nil, services.TransportError(providerName, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return resp, nil, services.TransportError(providerName, err)
	}
	if httpResp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := services.ParseRetryAfter(httpResp.Header.Get("Retry-After"))
		return resp, body, services.StatusError(providerName, httpResp.StatusCode, retryAfter, errors.New(snippet(string(body))))
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, body, services.Wrap(services.ErrTransient, providerName, "decode response", snippet(string(body)), err)
	}
	if resp.Error != nil {
		return resp, body, services.Wrap(services.ErrTransient, providerName, "api error", strings.TrimSpace(resp.Error.Message), nil)
	}
	return resp, body, nil
}
