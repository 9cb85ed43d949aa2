package preflight

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"sieve/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Options selects which checks RunAll performs.
type Options struct {
	// Probe enables network checks against tiers and webhook targets.
	Probe bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if !cfg.Cache.InMemory && strings.TrimSpace(cfg.Cache.Dir) != "" {
		results = append(results, CheckDirectoryAccess("Cache directory", cfg.Cache.Dir))
	}

	results = append(results, CheckEmbedding(cfg.Embedding))

	names := make([]string, 0, len(cfg.Router.Tiers))
	for name := range cfg.Router.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		results = append(results, CheckTier(ctx, name, cfg.Router.Tiers[name], opts.Probe))
	}

	for _, target := range cfg.Sync.Targets {
		switch target.Kind {
		case "jsonl":
			results = append(results, CheckDirectoryAccess("Sync target "+target.Name, filepath.Dir(target.Path)))
		case "webhook":
			if opts.Probe {
				results = append(results, CheckWebhookTarget(ctx, target))
			}
		}
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
