package testsupport

import (
	"context"
	"sync"

	"sieve/internal/dispatch"
)

// AdapterFunc answers one CreateIssue call. call is 1-based.
type AdapterFunc func(ctx context.Context, call int, payload dispatch.ExportPayload, key string) (dispatch.ExternalRef, error)

// FakeAdapter is a scripted sync target that records idempotency keys.
type FakeAdapter struct {
	mu      sync.Mutex
	name    string
	handler AdapterFunc
	keys    []string
}

// NewFakeAdapter builds an adapter driven by handler.
func NewFakeAdapter(name string, handler AdapterFunc) *FakeAdapter {
	return &FakeAdapter{name: name, handler: handler}
}

// Name implements dispatch.Adapter.
func (a *FakeAdapter) Name() string { return a.name }

// CreateIssue implements dispatch.Adapter.
func (a *FakeAdapter) CreateIssue(ctx context.Context, payload dispatch.ExportPayload, key string) (dispatch.ExternalRef, error) {
	a.mu.Lock()
	a.keys = append(a.keys, key)
	call := len(a.keys)
	a.mu.Unlock()
	return a.handler(ctx, call, payload, key)
}

// Calls returns how many pushes were attempted.
func (a *FakeAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}
