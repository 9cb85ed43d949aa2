// Package pipeline assembles the stage handlers, shared clients, and workflow
// manager that make up one sieve process.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sieve/internal/config"
	"sieve/internal/dedup"
	"sieve/internal/dispatch"
	"sieve/internal/embedding"
	"sieve/internal/ingest"
	"sieve/internal/logging"
	"sieve/internal/notifications"
	"sieve/internal/ratelimit"
	"sieve/internal/router"
	"sieve/internal/router/cache"
	"sieve/internal/stage"
	"sieve/internal/stages"
	"sieve/internal/store"
	"sieve/internal/synth"
	"sieve/internal/workflow"
)

// Option overrides a client the pipeline would otherwise build from config.
type Option func(*options)

type options struct {
	embedder  embedding.Embedder
	providers map[string]router.Provider
	adapters  []dispatch.Adapter
	notifier  notifications.Service
	cache     *cache.Cache
}

// WithEmbedder replaces the configured embedding client.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithProviders replaces the configured tier providers.
func WithProviders(providers map[string]router.Provider) Option {
	return func(o *options) { o.providers = providers }
}

// WithAdapters replaces the configured sync targets.
func WithAdapters(adapters ...dispatch.Adapter) Option {
	return func(o *options) { o.adapters = adapters }
}

// WithNotifier replaces the ntfy notifier.
func WithNotifier(n notifications.Service) Option {
	return func(o *options) { o.notifier = n }
}

// WithCache shares an already open analysis cache. The pipeline does not
// close a cache it did not open.
func WithCache(c *cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// Pipeline holds the wired components. Close releases what Build opened.
type Pipeline struct {
	Store      *store.Store
	Limits     *ratelimit.Registry
	Cache      *cache.Cache
	Router     *router.Router
	Normalizer *ingest.Normalizer
	Dedup      *dedup.Engine
	Synth      *synth.Synthesizer
	Dispatcher *dispatch.Dispatcher
	Notifier   notifications.Service
	Manager    *workflow.Manager

	ownsCache bool
}

// Build wires every stage against st and registers them with a new workflow
// manager. Configuration problems surface as services.ErrFatalConfig.
func Build(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("pipeline requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	p := &Pipeline{
		Store:  st,
		Limits: ratelimit.NewRegistry(time.Duration(cfg.Router.RateWaitTimeoutSeconds) * time.Second),
	}

	p.Cache = o.cache
	if p.Cache == nil {
		c, err := cache.Open(cfg.Cache, logger)
		if err != nil {
			return nil, err
		}
		p.Cache = c
		p.ownsCache = true
	}

	embedder := o.embedder
	if embedder == nil {
		client, err := embedding.NewFromConfig(cfg, p.Limits)
		if err != nil {
			p.Close()
			return nil, err
		}
		embedder = client
	}

	var err error
	if o.providers != nil {
		p.Router, err = router.New(cfg, o.providers, st, p.Cache, p.Limits, logger)
	} else {
		p.Router, err = router.NewFromConfig(cfg, st, p.Cache, p.Limits, logger)
	}
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}

	p.Notifier = o.notifier
	if p.Notifier == nil {
		p.Notifier = notifications.NewService(cfg)
	}
	review := stage.NewReviewQueue(st, p.Notifier)

	p.Synth, err = synth.New(cfg, st, p.Router, logger, synth.WithReviewQueue(review))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("build synthesizer: %w", err)
	}

	if o.adapters != nil {
		p.Dispatcher = dispatch.New(cfg, st, o.adapters, p.Limits, logger)
	} else {
		p.Dispatcher, err = dispatch.NewFromConfig(cfg, st, p.Limits, logger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("build dispatcher: %w", err)
		}
	}

	p.Normalizer = ingest.NewNormalizer(cfg, st, logger)
	p.Dedup = dedup.NewEngine(cfg, st, logger)

	p.Manager = workflow.NewManagerWithNotifier(cfg, st, logger, p.Notifier)
	p.Manager.ConfigureStages(workflow.StageSet{
		Ingest:     stages.NewIngest(p.Normalizer),
		Embed:      stages.NewEmbed(st, embedder),
		Dedup:      stages.NewDedup(p.Dedup),
		Analyze:    stages.NewAnalyze(st, p.Router, review, cfg.Synthesis.MaxMemberExcerpts, logger),
		Synthesize: stages.NewSynthesize(st, p.Synth, p.Dispatcher.Targets(), cfg.Sync.AutoExport, logger),
		Sync:       stages.NewSync(p.Dispatcher),
	})
	return p, nil
}

// Close stops the manager and releases the analysis cache when Build opened it.
func (p *Pipeline) Close() error {
	if p == nil {
		return nil
	}
	if p.Manager != nil {
		p.Manager.Stop()
	}
	if p.ownsCache && p.Cache != nil {
		err := p.Cache.Close()
		p.Cache = nil
		return err
	}
	return nil
}
