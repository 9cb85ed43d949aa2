// Package source defines the feedback source capability and the connectors
// that ship with sieve.
//
// A Source authenticates against its system, fetches feedback after a cursor,
// and validates signed webhook deliveries. Pulled items and webhook
// deliveries both become ingest jobs carrying an Event.
package source

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"sieve/internal/config"
	"sieve/internal/services"
)

// Kind enumerates supported source systems.
type Kind string

const (
	KindWebhook   Kind = "webhook"
	KindJSONL     Kind = "jsonl"
	KindIntercom  Kind = "intercom"
	KindZendesk   Kind = "zendesk"
	KindAppStore  Kind = "appstore"
	KindPlayStore Kind = "playstore"
	KindSurvey    Kind = "survey"
)

// Kinds lists every enumerated kind.
func Kinds() []Kind {
	return []Kind{KindWebhook, KindJSONL, KindIntercom, KindZendesk, KindAppStore, KindPlayStore, KindSurvey}
}

// ParseKind validates a kind name.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	if !slices.Contains(Kinds(), kind) {
		return "", fmt.Errorf("unknown source kind %q", value)
	}
	return kind, nil
}

// RawFeedback is one feedback record as delivered by a source.
type RawFeedback struct {
	ExternalID string    `json:"externalId" validate:"required,max=256"`
	Content    string    `json:"content" validate:"required"`
	Author     string    `json:"author,omitempty" validate:"max=256"`
	CreatedAt  time.Time `json:"createdAt"`
	Rating     *float64  `json:"rating,omitempty"`
}

// Credential is what Authenticate hands back. Connectors that need no
// credential return the zero value.
type Credential struct {
	Kind      Kind
	Token     string
	ExpiresAt time.Time
}

// Batch is one page of fetched feedback. NextCursor resumes after the last item.
type Batch struct {
	Items      []RawFeedback
	NextCursor string
}

// Source is the capability every connector implements.
type Source interface {
	Name() string
	Kind() Kind
	Authenticate(ctx context.Context) (Credential, error)
	FetchSince(ctx context.Context, cursor string) (Batch, error)
	ValidateWebhook(signature string, payload []byte) bool
}

// New builds the connector for a configured source. Kinds without an
// in-repo connector are fatal configuration errors.
func New(cfg config.Source) (Source, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, services.Wrap(services.ErrFatalConfig, "source", cfg.Name, "", err)
	}
	switch kind {
	case KindWebhook:
		return NewWebhook(cfg.Name, cfg.Secret), nil
	case KindJSONL:
		return NewDir(cfg.Name, cfg.Dir), nil
	default:
		return nil, services.Wrap(services.ErrFatalConfig, "source", cfg.Name,
			fmt.Sprintf("no connector for kind %q in this build; deliver via webhook or jsonl", kind), nil)
	}
}
