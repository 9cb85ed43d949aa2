package testsupport

import (
	"path/filepath"
	"testing"

	"sieve/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The analysis cache runs in memory, lanes poll quickly, and retry delays are
// short so pipeline tests finish in milliseconds.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Cache.Dir = filepath.Join(base, "cache")
	cfgVal.Cache.InMemory = true
	cfgVal.Dedup.SettleDelaySeconds = 0
	cfgVal.Embedding.APIKey = "test"
	cfgVal.Embedding.Dimensions = 3
	cfgVal.Router.BackoffBaseMillis = 1
	cfgVal.Router.BackoffMaxMillis = 2
	cfgVal.Router.RateWaitTimeoutSeconds = 1
	cfgVal.Sync.BackoffBaseMillis = 1
	cfgVal.Sync.BackoffMaxMillis = 2
	for name, tier := range cfgVal.Router.Tiers {
		tier.APIKey = "test"
		tier.RequestsPerSecond = 0
		cfgVal.Router.Tiers[name] = tier
	}
	cfgVal.Sync.Targets = []config.SyncTarget{{
		Name: "local",
		Kind: "jsonl",
		Path: filepath.Join(base, "exports", "local.jsonl"),
	}}
	cfgVal.Server.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithSimilarityThreshold overrides the dedup threshold.
func WithSimilarityThreshold(tau float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dedup.SimilarityThreshold = tau
	}
}

// WithSource appends a feedback source to the test config.
func WithSource(src config.Source) ConfigOption {
	return func(b *configBuilder) {
		if src.Workspace == "" {
			src.Workspace = "default"
		}
		if src.PollIntervalSeconds == 0 {
			src.PollIntervalSeconds = 1
		}
		b.cfg.Sources = append(b.cfg.Sources, src)
	}
}

// WithoutTier removes a model tier from the router chain.
func WithoutTier(name string) ConfigOption {
	return func(b *configBuilder) {
		delete(b.cfg.Router.Tiers, name)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
