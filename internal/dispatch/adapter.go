package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"sieve/internal/config"
	"sieve/internal/services"
)

// Adapter pushes requirements to one target system. CreateIssue must pass
// key through as the target's dedup token when the target supports one. An
// issue that already exists is reported as an error matching
// services.ErrDuplicatePush together with its reference.
type Adapter interface {
	Name() string
	CreateIssue(ctx context.Context, payload ExportPayload, key string) (ExternalRef, error)
}

// AdapterFor builds the adapter of a configured target.
func AdapterFor(target config.SyncTarget, timeout time.Duration) (Adapter, error) {
	switch target.Kind {
	case "webhook":
		return NewWebhookAdapter(target.Name, target.URL, target.Token, timeout), nil
	case "jsonl":
		if target.Path == "" {
			return nil, services.Wrap(services.ErrFatalConfig, "sync", target.Name, "jsonl target requires a path", nil)
		}
		return NewJSONLAdapter(target.Name, filepath.Clean(target.Path)), nil
	default:
		return nil, services.Wrap(services.ErrFatalConfig, "sync", target.Name, fmt.Sprintf("unsupported target kind %q", target.Kind), nil)
	}
}
