package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	validEmbeddingProviders = []string{"openai"}
	validTierProviders      = []string{"openrouter", "openai"}
	validSyncKinds          = []string{"webhook", "jsonl"}
	validSourceKinds        = []string{"webhook", "jsonl", "intercom", "zendesk", "appstore", "playstore", "survey"}
	validRatingScales       = []string{"", "stars5", "nps", "thumbs", "signed"}
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateEmbedding(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateRouter(); err != nil {
		return err
	}
	if err := c.validatePriority(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.MaxAttempts <= 0 {
		return errors.New("workflow.max_attempts must be positive")
	}
	if c.Workflow.RetryBaseSeconds <= 0 || c.Workflow.RetryMaxSeconds < c.Workflow.RetryBaseSeconds {
		return errors.New("workflow.retry_base_seconds must be positive and not exceed workflow.retry_max_seconds")
	}
	for stage, n := range c.Workflow.Workers {
		if n < 0 {
			return fmt.Errorf("workflow.workers.%s must not be negative", stage)
		}
	}
	return nil
}

func (c *Config) validateIngest() error {
	if c.Ingest.MaxContentRunes <= 0 {
		return errors.New("ingest.max_content_runes must be positive")
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	if !slices.Contains(validEmbeddingProviders, c.Embedding.Provider) {
		return fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 0 {
		return errors.New("embedding.dimensions must not be negative")
	}
	if c.Embedding.RequestsPerSecond < 0 {
		return errors.New("embedding.requests_per_second must not be negative")
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		return errors.New("dedup.similarity_threshold must be in (0, 1]")
	}
	if c.Dedup.SettleDelaySeconds < 0 {
		return errors.New("dedup.settle_delay_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateRouter() error {
	r := c.Router
	if r.MidThreshold < 0 || r.MidThreshold > 1 || r.PremiumThreshold < 0 || r.PremiumThreshold > 1 {
		return errors.New("router thresholds must be between 0 and 1")
	}
	if r.MidThreshold > r.PremiumThreshold {
		return errors.New("router.mid_threshold must not exceed router.premium_threshold")
	}
	if r.BreakerFailures <= 0 {
		return errors.New("router.breaker_failures must be positive")
	}
	if r.BreakerCooldownSeconds <= 0 {
		return errors.New("router.breaker_cooldown_seconds must be positive")
	}
	if len(r.Tiers) == 0 {
		return errors.New("router.tiers must configure at least one tier")
	}
	if _, ok := r.Tiers["premium"]; !ok {
		return errors.New("router.tiers.premium is required for requirement synthesis")
	}
	for name, tier := range r.Tiers {
		if !slices.Contains(TierNames, name) {
			return fmt.Errorf("router.tiers.%s: unknown tier (expected one of %s)", name, strings.Join(TierNames, ", "))
		}
		if !slices.Contains(validTierProviders, tier.Provider) {
			return fmt.Errorf("router.tiers.%s.provider %q is not supported", name, tier.Provider)
		}
		if tier.Model == "" {
			return fmt.Errorf("router.tiers.%s.model must be set", name)
		}
		if tier.PricePer1K < 0 {
			return fmt.Errorf("router.tiers.%s.price_per_1k must not be negative", name)
		}
	}
	if c.Cache.TTLHours <= 0 {
		return errors.New("cache.ttl_hours must be positive")
	}
	return nil
}

func (c *Config) validatePriority() error {
	p := c.Priority
	if p.SizeWeight < 0 || p.SentimentWeight < 0 || p.RecencyWeight < 0 {
		return errors.New("priority weights must not be negative")
	}
	if p.HalfLifeHours <= 0 {
		return errors.New("priority.half_life_hours must be positive")
	}
	if p.MediumThreshold > p.HighThreshold {
		return errors.New("priority.medium_threshold must not exceed priority.high_threshold")
	}
	return nil
}

func (c *Config) validateSync() error {
	seen := make(map[string]struct{}, len(c.Sync.Targets))
	for i, target := range c.Sync.Targets {
		if target.Name == "" {
			return fmt.Errorf("sync.targets[%d].name must be set", i)
		}
		if _, dup := seen[target.Name]; dup {
			return fmt.Errorf("sync.targets[%d]: duplicate target name %q", i, target.Name)
		}
		seen[target.Name] = struct{}{}
		if !slices.Contains(validSyncKinds, target.Kind) {
			return fmt.Errorf("sync.targets[%d].kind %q is not supported", i, target.Kind)
		}
		if target.Kind == "webhook" && target.URL == "" {
			return fmt.Errorf("sync.targets[%d].url is required for webhook targets", i)
		}
		if target.Kind == "jsonl" && target.Path == "" {
			return fmt.Errorf("sync.targets[%d].path is required for jsonl targets", i)
		}
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name must be set", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
		if !slices.Contains(validSourceKinds, src.Kind) {
			return fmt.Errorf("sources[%d].kind %q is not supported", i, src.Kind)
		}
		if !slices.Contains(validRatingScales, src.RatingScale) {
			return fmt.Errorf("sources[%d].rating_scale %q is not supported", i, src.RatingScale)
		}
		if src.Kind == "jsonl" && src.Dir == "" {
			return fmt.Errorf("sources[%d].dir is required for jsonl sources", i)
		}
		if src.Kind == "webhook" && src.Secret == "" {
			return fmt.Errorf("sources[%d].secret is required for webhook sources", i)
		}
	}
	return nil
}
