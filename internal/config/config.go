package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Workflow contains configuration for stage lanes and job retry timing.
type Workflow struct {
	QueuePollInterval int            `toml:"queue_poll_interval"`
	HeartbeatInterval int            `toml:"heartbeat_interval"`
	HeartbeatTimeout  int            `toml:"heartbeat_timeout"`
	MaxAttempts       int            `toml:"max_attempts"`
	RetryBaseSeconds  int            `toml:"retry_base_seconds"`
	RetryMaxSeconds   int            `toml:"retry_max_seconds"`
	Workers           map[string]int `toml:"workers"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Ingest contains normalization limits.
type Ingest struct {
	MaxContentRunes int `toml:"max_content_runes"`
}

// Embedding contains the embedding provider connection.
type Embedding struct {
	Provider          string  `toml:"provider"`
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	Model             string  `toml:"model"`
	Dimensions        int     `toml:"dimensions"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Dedup contains semantic deduplication settings.
type Dedup struct {
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	SettleDelaySeconds  int     `toml:"settle_delay_seconds"`
}

// Tier describes one model tier in the provider chain.
type Tier struct {
	Provider          string  `toml:"provider"`
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	Model             string  `toml:"model"`
	Referer           string  `toml:"referer"`
	Title             string  `toml:"title"`
	PricePer1K        float64 `toml:"price_per_1k"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Router contains model routing, retry, and breaker settings.
type Router struct {
	MidThreshold           float64         `toml:"mid_threshold"`
	PremiumThreshold       float64         `toml:"premium_threshold"`
	MaxAttempts            int             `toml:"max_attempts"`
	BackoffBaseMillis      int             `toml:"backoff_base_millis"`
	BackoffMaxMillis       int             `toml:"backoff_max_millis"`
	BreakerFailures        int             `toml:"breaker_failures"`
	BreakerCooldownSeconds int             `toml:"breaker_cooldown_seconds"`
	RateWaitTimeoutSeconds int             `toml:"rate_wait_timeout_seconds"`
	Tiers                  map[string]Tier `toml:"tiers"`
}

// Cache contains analysis cache settings.
type Cache struct {
	Dir      string `toml:"dir"`
	TTLHours int    `toml:"ttl_hours"`
	InMemory bool   `toml:"in_memory"`
}

// Priority contains the scoring weights and bucket thresholds.
type Priority struct {
	SizeWeight      float64 `toml:"size_weight"`
	SentimentWeight float64 `toml:"sentiment_weight"`
	RecencyWeight   float64 `toml:"recency_weight"`
	HalfLifeHours   float64 `toml:"half_life_hours"`
	MediumThreshold float64 `toml:"medium_threshold"`
	HighThreshold   float64 `toml:"high_threshold"`
}

// Synthesis contains requirement synthesis settings.
type Synthesis struct {
	Template          string `toml:"template"`
	TemplatesPath     string `toml:"templates_path"`
	MaxMemberExcerpts int    `toml:"max_member_excerpts"`
	BatchConcurrency  int    `toml:"batch_concurrency"`
	BatchLimit        int    `toml:"batch_limit"`
}

// SyncTarget describes one outbound project-management target.
type SyncTarget struct {
	Name              string  `toml:"name"`
	Kind              string  `toml:"kind"`
	URL               string  `toml:"url"`
	Token             string  `toml:"token"`
	Path              string  `toml:"path"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Sync contains outbound dispatch settings.
type Sync struct {
	AutoExport        bool         `toml:"auto_export"`
	MaxAttempts       int          `toml:"max_attempts"`
	TimeoutSeconds    int          `toml:"timeout_seconds"`
	BackoffBaseMillis int          `toml:"backoff_base_millis"`
	BackoffMaxMillis  int          `toml:"backoff_max_millis"`
	Targets           []SyncTarget `toml:"targets"`
}

// Source describes one configured feedback source.
type Source struct {
	Name                string  `toml:"name"`
	Kind                string  `toml:"kind"`
	Workspace           string  `toml:"workspace"`
	Dir                 string  `toml:"dir"`
	Secret              string  `toml:"secret"`
	RatingScale         string  `toml:"rating_scale"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
	RequestsPerSecond   float64 `toml:"requests_per_second"`
}

// Server contains the daemon HTTP listener used for metrics and webhooks.
type Server struct {
	Bind    string `toml:"bind"`
	Metrics bool   `toml:"metrics"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `toml:"token"`
}

// Notifications contains the optional ntfy channel for operator alerts.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Config encapsulates all configuration values for sieve.
//
// Configuration sections by subsystem:
//   - Paths: database, cache, and log directories
//   - Workflow: lane worker counts, polling, and job retry timing
//   - Ingest, Embedding, Dedup: the intake half of the pipeline
//   - Router, Cache: tiered model calls
//   - Priority, Synthesis, Sync: scoring and requirement output
//   - Sources: feedback source instances
//   - Server: metrics and webhook listener
//   - Notifications: operator alert delivery
type Config struct {
	Paths     Paths     `toml:"paths"`
	Workflow  Workflow  `toml:"workflow"`
	Logging   Logging   `toml:"logging"`
	Ingest    Ingest    `toml:"ingest"`
	Embedding Embedding `toml:"embedding"`
	Dedup     Dedup     `toml:"dedup"`
	Router    Router    `toml:"router"`
	Cache     Cache     `toml:"cache"`
	Priority  Priority  `toml:"priority"`
	Synthesis Synthesis `toml:"synthesis"`
	Sync      Sync      `toml:"sync"`
	Sources   []Source  `toml:"sources"`
	Server    Server    `toml:"server"`

	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sieve/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sieve.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if !c.Cache.InMemory {
		dirs = append(dirs, c.Cache.Dir)
	}
	for _, target := range c.Sync.Targets {
		if target.Kind == "jsonl" && strings.TrimSpace(target.Path) != "" {
			dirs = append(dirs, filepath.Dir(target.Path))
		}
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "sieve.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "sieved.lock")
}

// PIDPath returns the file holding the running daemon's process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "sieved.pid")
}

// WorkersFor returns the configured worker count for a stage lane.
func (c *Config) WorkersFor(stage string) int {
	if n, ok := c.Workflow.Workers[stage]; ok && n > 0 {
		return n
	}
	return 1
}

// RetryDelay returns the exponential job backoff for the given attempt count.
func (c *Config) RetryDelay(attempt int) time.Duration {
	base := time.Duration(c.Workflow.RetryBaseSeconds) * time.Second
	maxDelay := time.Duration(c.Workflow.RetryMaxSeconds) * time.Second
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// TierNames lists the model tiers from cheapest to most capable.
var TierNames = []string{"cheap", "mid", "premium"}

// Source returns the source configuration with the provided name.
func (c *Config) Source(name string) (Source, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
