package testsupport

import (
	"testing"

	"sieve/internal/config"
	"sieve/internal/router/cache"
)

// MustOpenCache opens the analysis cache described by cfg and registers cleanup.
func MustOpenCache(t testing.TB, cfg *config.Config) *cache.Cache {
	t.Helper()

	c, err := cache.Open(cfg.Cache, nil)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}
