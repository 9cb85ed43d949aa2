// Package ratelimit keeps one token bucket per external system (feedback
// source, model provider, embedding provider, sync target) and bounds how long
// a caller may wait for a token.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sieve/internal/services"
)

// Registry maps keys such as "provider:cheap" to token buckets.
type Registry struct {
	mu          sync.RWMutex
	limiters    map[string]*rate.Limiter
	waitTimeout time.Duration
}

// NewRegistry builds an empty registry. A non-positive waitTimeout leaves
// waits bounded only by the caller's context.
func NewRegistry(waitTimeout time.Duration) *Registry {
	return &Registry{
		limiters:    make(map[string]*rate.Limiter),
		waitTimeout: waitTimeout,
	}
}

// Register installs a bucket for key. A non-positive rps removes any limit.
func (r *Registry) Register(key string, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rps <= 0 {
		delete(r.limiters, key)
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.limiters[key] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Limited reports whether key has a bucket.
func (r *Registry) Limited(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.limiters[key]
	return ok
}

// Wait blocks until key has a token. Running out of wait time yields a
// transient error so the caller requeues; parent cancellation passes through.
func (r *Registry) Wait(ctx context.Context, key string) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	limiter := r.limiters[key]
	r.mu.RUnlock()
	if limiter == nil {
		return nil
	}

	waitCtx := ctx
	if r.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.waitTimeout)
		defer cancel()
	}
	if err := limiter.Wait(waitCtx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return services.Wrap(services.ErrTransient, "ratelimit", key, fmt.Sprintf("no token within %s", r.waitTimeout), err)
	}
	return nil
}

// Key helpers keep naming consistent across callers.
func SourceKey(name string) string   { return "source:" + name }
func ProviderKey(tier string) string { return "provider:" + tier }
func TargetKey(name string) string   { return "target:" + name }

// EmbeddingKey is the single bucket shared by embedding calls.
const EmbeddingKey = "embedding"
