package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeEmbedding()
	c.normalizeRouter()
	if err := c.normalizeSynthesis(); err != nil {
		return err
	}
	if err := c.normalizeSync(); err != nil {
		return err
	}
	if err := c.normalizeSources(); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		c.Cache.Dir = filepath.Join(c.Paths.DataDir, "cache")
	}
	if c.Cache.Dir, err = expandPath(c.Cache.Dir); err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeEmbedding() {
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = defaultEmbeddingProvider
	}
	c.Embedding.BaseURL = strings.TrimSpace(c.Embedding.BaseURL)
	c.Embedding.Model = strings.TrimSpace(c.Embedding.Model)
	if c.Embedding.Model == "" {
		c.Embedding.Model = defaultEmbeddingModel
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		c.Embedding.TimeoutSeconds = defaultEmbeddingTimeout
	}
	c.Embedding.APIKey = strings.TrimSpace(c.Embedding.APIKey)
	if c.Embedding.APIKey == "" {
		if value, ok := os.LookupEnv("SIEVE_EMBEDDING_API_KEY"); ok {
			c.Embedding.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.Embedding.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeRouter() {
	envKey, _ := os.LookupEnv("SIEVE_LLM_API_KEY")
	envKey = strings.TrimSpace(envKey)
	normalized := make(map[string]Tier, len(c.Router.Tiers))
	for name, tier := range c.Router.Tiers {
		name = strings.ToLower(strings.TrimSpace(name))
		tier.Provider = strings.ToLower(strings.TrimSpace(tier.Provider))
		if tier.Provider == "" {
			tier.Provider = "openrouter"
		}
		tier.BaseURL = strings.TrimSpace(tier.BaseURL)
		if tier.BaseURL == "" && tier.Provider == "openrouter" {
			tier.BaseURL = defaultOpenRouterBaseURL
		}
		tier.Model = strings.TrimSpace(tier.Model)
		tier.APIKey = strings.TrimSpace(tier.APIKey)
		if tier.APIKey == "" {
			tier.APIKey = envKey
		}
		if strings.TrimSpace(tier.Referer) == "" {
			tier.Referer = defaultReferer
		}
		if strings.TrimSpace(tier.Title) == "" {
			tier.Title = defaultTitle
		}
		if tier.TimeoutSeconds <= 0 {
			tier.TimeoutSeconds = defaultTierTimeoutSeconds
		}
		normalized[name] = tier
	}
	c.Router.Tiers = normalized
	if c.Router.MaxAttempts <= 0 {
		c.Router.MaxAttempts = defaultRouterMaxAttempts
	}
	if c.Router.BackoffBaseMillis <= 0 {
		c.Router.BackoffBaseMillis = defaultBackoffBaseMillis
	}
	if c.Router.BackoffMaxMillis < c.Router.BackoffBaseMillis {
		c.Router.BackoffMaxMillis = c.Router.BackoffBaseMillis
	}
	if c.Router.RateWaitTimeoutSeconds <= 0 {
		c.Router.RateWaitTimeoutSeconds = defaultRateWaitTimeoutSeconds
	}
}

func (c *Config) normalizeSynthesis() error {
	c.Synthesis.Template = strings.TrimSpace(c.Synthesis.Template)
	if c.Synthesis.Template == "" {
		c.Synthesis.Template = defaultTemplate
	}
	if c.Synthesis.MaxMemberExcerpts <= 0 {
		c.Synthesis.MaxMemberExcerpts = defaultMaxMemberExcerpts
	}
	if c.Synthesis.BatchConcurrency <= 0 {
		c.Synthesis.BatchConcurrency = defaultBatchConcurrency
	}
	if c.Synthesis.BatchLimit <= 0 {
		c.Synthesis.BatchLimit = defaultBatchLimit
	}
	if strings.TrimSpace(c.Synthesis.TemplatesPath) != "" {
		var err error
		if c.Synthesis.TemplatesPath, err = expandPath(c.Synthesis.TemplatesPath); err != nil {
			return fmt.Errorf("synthesis.templates_path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeSync() error {
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = defaultSyncMaxAttempts
	}
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = defaultSyncTimeoutSeconds
	}
	if c.Sync.BackoffBaseMillis <= 0 {
		c.Sync.BackoffBaseMillis = defaultBackoffBaseMillis
	}
	if c.Sync.BackoffMaxMillis < c.Sync.BackoffBaseMillis {
		c.Sync.BackoffMaxMillis = max(defaultBackoffMaxMillis, c.Sync.BackoffBaseMillis)
	}
	for i := range c.Sync.Targets {
		target := &c.Sync.Targets[i]
		target.Name = strings.TrimSpace(target.Name)
		target.Kind = strings.ToLower(strings.TrimSpace(target.Kind))
		target.URL = strings.TrimSpace(target.URL)
		if strings.TrimSpace(target.Path) != "" {
			var err error
			if target.Path, err = expandPath(target.Path); err != nil {
				return fmt.Errorf("sync.targets[%d].path: %w", i, err)
			}
		}
	}
	return nil
}

func (c *Config) normalizeSources() error {
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
		src.Workspace = strings.TrimSpace(src.Workspace)
		if src.Workspace == "" {
			src.Workspace = "default"
		}
		src.RatingScale = strings.ToLower(strings.TrimSpace(src.RatingScale))
		if src.PollIntervalSeconds <= 0 {
			src.PollIntervalSeconds = defaultSourcePollSeconds
		}
		if strings.TrimSpace(src.Dir) != "" {
			var err error
			if src.Dir, err = expandPath(src.Dir); err != nil {
				return fmt.Errorf("sources[%d].dir: %w", i, err)
			}
		}
	}
	return nil
}
