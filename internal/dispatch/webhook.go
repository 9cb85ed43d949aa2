package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"sieve/internal/services"
)

const maxResponseBytes = 64 << 10

// WebhookAdapter POSTs the export document to an HTTP endpoint.
//
// The endpoint receives the idempotency key in the Idempotency-Key header. A
// 2xx answer carries the issue reference as {"externalRef": "..."} or in the
// Location header. 409 means the key was already used; the reference of the
// existing issue is read the same way.
type WebhookAdapter struct {
	name       string
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhookAdapter builds a webhook adapter. A zero timeout leaves requests
// bounded only by the caller's context.
func NewWebhookAdapter(name, url, token string, timeout time.Duration) *WebhookAdapter {
	return &WebhookAdapter{
		name:       name,
		url:        strings.TrimSpace(url),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Adapter.
func (w *WebhookAdapter) Name() string { return w.name }

// CreateIssue implements Adapter.
func (w *WebhookAdapter) CreateIssue(ctx context.Context, payload ExportPayload, key string) (ExternalRef, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "sync", w.name, "encode payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrFatalConfig, "sync", w.name, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	requestID, ok := services.RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", services.TransportError(w.name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", services.TransportError(w.name, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return referenceFrom(resp, raw, key), nil
	case resp.StatusCode == http.StatusConflict:
		return referenceFrom(resp, raw, key), services.StatusError(w.name, resp.StatusCode, 0, nil)
	default:
		retryAfter, _ := services.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return "", services.StatusError(w.name, resp.StatusCode, retryAfter,
			fmt.Errorf("response: %s", strings.TrimSpace(string(raw))))
	}
}

// referenceFrom reads the issue reference from the body or the Location
// header. Targets that return neither are identified by the idempotency key.
func referenceFrom(resp *http.Response, body []byte, key string) ExternalRef {
	var decoded struct {
		ExternalRef string `json:"externalRef"`
	}
	if len(body) > 0 && json.Unmarshal(body, &decoded) == nil && strings.TrimSpace(decoded.ExternalRef) != "" {
		return ExternalRef(strings.TrimSpace(decoded.ExternalRef))
	}
	if loc := strings.TrimSpace(resp.Header.Get("Location")); loc != "" {
		return ExternalRef(loc)
	}
	return ExternalRef(key)
}
