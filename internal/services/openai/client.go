// Package openai adapts the go-openai SDK to the chat and embedding shapes
// the pipeline uses. It serves OpenAI proper and any endpoint that speaks
// the same API when BaseURL is set.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"sieve/internal/services"
)

const (
	providerName       = "openai"
	defaultHTTPTimeout = 60 * time.Second
)

// Config captures the connection settings for one model.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	TimeoutSeconds int
}

// Client issues single-attempt chat and embedding requests.
type Client struct {
	api   *goopenai.Client
	model string
	dims  int
}

// NewClient builds a client. An empty API key is reported on first use.
func NewClient(cfg Config) *Client {
	apiCfg := goopenai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		apiCfg.BaseURL = strings.TrimSuffix(base, "/")
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{
		api:   goopenai.NewClientWithConfig(apiCfg),
		model: strings.TrimSpace(cfg.Model),
		dims:  cfg.Dimensions,
	}
}

// Name identifies the provider in logs and errors.
func (c *Client) Name() string { return providerName + ":" + c.model }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Dims returns the requested embedding dimension, or 0 for the model default.
func (c *Client) Dims() int { return c.dims }

// CompleteJSON sends a JSON-mode chat completion.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (services.Completion, error) {
	req := goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return services.Completion{}, classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return services.Completion{}, services.Wrap(services.ErrTransient, providerName, "complete", "no content returned", nil)
	}
	return services.Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	req := goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(c.model),
	}
	if c.dims > 0 {
		req.Dimensions = c.dims
	}
	resp, err := c.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, services.Wrap(services.ErrTransient, providerName, "embed", "no embedding returned", nil)
	}
	return resp.Data[0].Embedding, nil
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return services.StatusError(providerName, apiErr.HTTPStatusCode, 0, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return services.StatusError(providerName, reqErr.HTTPStatusCode, 0, err)
	}
	return services.TransportError(providerName, err)
}
