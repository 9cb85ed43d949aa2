package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sieve/internal/config"
	"sieve/internal/ratelimit"
	"sieve/internal/services"
	"sieve/internal/services/openai"
)

type vectorSource interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client applies rate limiting, the per-call timeout, and dimension checks
// around a provider.
type Client struct {
	provider vectorSource
	limits   *ratelimit.Registry
	model    string
	dims     int
	timeout  time.Duration
}

// NewClient wraps a provider. dims of 0 accepts whatever the provider returns.
func NewClient(provider vectorSource, model string, dims int, timeout time.Duration, limits *ratelimit.Registry) *Client {
	return &Client{provider: provider, limits: limits, model: model, dims: dims, timeout: timeout}
}

// NewFromConfig builds the configured embedding client and registers its
// token bucket.
func NewFromConfig(cfg *config.Config, limits *ratelimit.Registry) (*Client, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrFatalConfig, "embedding", "init", "config unavailable", nil)
	}
	emb := cfg.Embedding
	switch strings.ToLower(strings.TrimSpace(emb.Provider)) {
	case "", "openai":
	default:
		return nil, services.Wrap(services.ErrFatalConfig, "embedding", "init", fmt.Sprintf("unsupported provider %q", emb.Provider), nil)
	}
	if limits != nil {
		limits.Register(ratelimit.EmbeddingKey, emb.RequestsPerSecond, emb.Burst)
	}
	provider := openai.NewClient(openai.Config{
		APIKey:         emb.APIKey,
		BaseURL:        emb.BaseURL,
		Model:          emb.Model,
		Dimensions:     emb.Dimensions,
		TimeoutSeconds: emb.TimeoutSeconds,
	})
	return NewClient(provider, emb.Model, emb.Dimensions, time.Duration(emb.TimeoutSeconds)*time.Second, limits), nil
}

// Embed implements Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, services.Wrap(services.ErrValidation, "embedding", "embed", "empty text", nil)
	}
	if err := c.limits.Wait(ctx, ratelimit.EmbeddingKey); err != nil {
		return nil, err
	}
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	vector, err := c.provider.Embed(callCtx, text)
	if err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			return nil, services.Wrap(services.ErrTransient, "embedding", "embed", "timeout", err)
		}
		return nil, err
	}
	if c.dims > 0 && len(vector) != c.dims {
		return nil, services.Wrap(services.ErrFatalConfig, "embedding", "embed",
			fmt.Sprintf("model %s returned %d dimensions, expected %d", c.model, len(vector), c.dims), nil)
	}
	return vector, nil
}

// Dims implements Embedder.
func (c *Client) Dims() int { return c.dims }

// Model implements Embedder.
func (c *Client) Model() string { return c.model }
