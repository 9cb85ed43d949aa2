package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"sieve/internal/services"
)

// Webhook is a push-only source. Deliveries are verified with a shared
// secret; FetchSince never returns items.
type Webhook struct {
	name   string
	secret string
}

// NewWebhook builds a webhook source.
func NewWebhook(name, secret string) *Webhook {
	return &Webhook{name: name, secret: secret}
}

func (w *Webhook) Name() string { return w.name }
func (w *Webhook) Kind() Kind   { return KindWebhook }

// Authenticate fails when no shared secret is configured.
func (w *Webhook) Authenticate(context.Context) (Credential, error) {
	if w.secret == "" {
		return Credential{}, services.Wrap(services.ErrFatalConfig, "source", w.name, "webhook secret is not configured", nil)
	}
	return Credential{Kind: KindWebhook, Token: w.secret}, nil
}

func (w *Webhook) FetchSince(_ context.Context, cursor string) (Batch, error) {
	return Batch{NextCursor: cursor}, nil
}

func (w *Webhook) ValidateWebhook(signature string, payload []byte) bool {
	return VerifySignature(w.secret, signature, payload)
}

// ParseDelivery decodes a webhook body holding one feedback object or an
// array of them.
func ParseDelivery(payload []byte) ([]RawFeedback, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, services.Wrap(services.ErrValidation, "source", "webhook", "empty body", nil)
	}
	if trimmed[0] == '[' {
		var items []RawFeedback
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, services.Wrap(services.ErrValidation, "source", "webhook", "decode array", err)
		}
		return items, nil
	}
	var item RawFeedback
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil, services.Wrap(services.ErrValidation, "source", "webhook", fmt.Sprintf("decode object (%d bytes)", len(trimmed)), err)
	}
	return []RawFeedback{item}, nil
}
