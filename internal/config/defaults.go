package config

const (
	defaultDataDir                = "~/.local/share/sieve"
	defaultLogDir                 = "~/.local/share/sieve/logs"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultWorkflowPollInterval   = 2
	defaultHeartbeatInterval      = 15
	defaultHeartbeatTimeout       = 120
	defaultJobMaxAttempts         = 5
	defaultRetryBaseSeconds       = 2
	defaultRetryMaxSeconds        = 300
	defaultMaxContentRunes        = 8000
	defaultEmbeddingProvider      = "openai"
	defaultEmbeddingModel         = "text-embedding-3-small"
	defaultEmbeddingDimensions    = 1536
	defaultEmbeddingTimeout       = 30
	defaultSimilarityThreshold    = 0.92
	defaultSettleDelaySeconds     = 30
	defaultMidThreshold           = 0.35
	defaultPremiumThreshold       = 0.7
	defaultRouterMaxAttempts      = 3
	defaultBackoffBaseMillis      = 500
	defaultBackoffMaxMillis       = 8000
	defaultBreakerFailures        = 5
	defaultBreakerCooldownSeconds = 60
	defaultRateWaitTimeoutSeconds = 10
	defaultTierTimeoutSeconds     = 60
	defaultOpenRouterBaseURL      = "https://openrouter.ai/api/v1/chat/completions"
	defaultReferer                = "https://github.com/sieve"
	defaultTitle                  = "sieve"
	defaultCacheTTLHours          = 24
	defaultHalfLifeHours          = 168
	defaultMediumThreshold        = 2.0
	defaultHighThreshold          = 4.0
	defaultTemplate               = "user-story"
	defaultMaxMemberExcerpts      = 5
	defaultBatchConcurrency       = 4
	defaultBatchLimit             = 20
	defaultSyncMaxAttempts        = 5
	defaultSyncTimeoutSeconds     = 30
	defaultSourcePollSeconds      = 300
	defaultServerBind             = "127.0.0.1:9464"
	defaultNtfyTimeoutSeconds     = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Workflow: Workflow{
			QueuePollInterval: defaultWorkflowPollInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			MaxAttempts:       defaultJobMaxAttempts,
			RetryBaseSeconds:  defaultRetryBaseSeconds,
			RetryMaxSeconds:   defaultRetryMaxSeconds,
			Workers: map[string]int{
				"ingest":     2,
				"embed":      2,
				"dedup":      2,
				"analyze":    2,
				"synthesize": 1,
				"sync":       1,
			},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Ingest: Ingest{
			MaxContentRunes: defaultMaxContentRunes,
		},
		Embedding: Embedding{
			Provider:          defaultEmbeddingProvider,
			Model:             defaultEmbeddingModel,
			Dimensions:        defaultEmbeddingDimensions,
			TimeoutSeconds:    defaultEmbeddingTimeout,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Dedup: Dedup{
			SimilarityThreshold: defaultSimilarityThreshold,
			SettleDelaySeconds:  defaultSettleDelaySeconds,
		},
		Router: Router{
			MidThreshold:           defaultMidThreshold,
			PremiumThreshold:       defaultPremiumThreshold,
			MaxAttempts:            defaultRouterMaxAttempts,
			BackoffBaseMillis:      defaultBackoffBaseMillis,
			BackoffMaxMillis:       defaultBackoffMaxMillis,
			BreakerFailures:        defaultBreakerFailures,
			BreakerCooldownSeconds: defaultBreakerCooldownSeconds,
			RateWaitTimeoutSeconds: defaultRateWaitTimeoutSeconds,
			Tiers: map[string]Tier{
				"cheap": {
					Provider:          "openrouter",
					BaseURL:           defaultOpenRouterBaseURL,
					Model:             "google/gemini-2.5-flash-lite",
					PricePer1K:        0.0004,
					RequestsPerSecond: 5,
					Burst:             5,
				},
				"mid": {
					Provider:          "openrouter",
					BaseURL:           defaultOpenRouterBaseURL,
					Model:             "google/gemini-2.5-flash",
					PricePer1K:        0.0025,
					RequestsPerSecond: 2,
					Burst:             2,
				},
				"premium": {
					Provider:          "openrouter",
					BaseURL:           defaultOpenRouterBaseURL,
					Model:             "anthropic/claude-sonnet-4.5",
					PricePer1K:        0.015,
					RequestsPerSecond: 1,
					Burst:             1,
				},
			},
		},
		Cache: Cache{
			TTLHours: defaultCacheTTLHours,
		},
		Priority: Priority{
			SizeWeight:      1.0,
			SentimentWeight: 1.0,
			RecencyWeight:   1.0,
			HalfLifeHours:   defaultHalfLifeHours,
			MediumThreshold: defaultMediumThreshold,
			HighThreshold:   defaultHighThreshold,
		},
		Synthesis: Synthesis{
			Template:          defaultTemplate,
			MaxMemberExcerpts: defaultMaxMemberExcerpts,
			BatchConcurrency:  defaultBatchConcurrency,
			BatchLimit:        defaultBatchLimit,
		},
		Sync: Sync{
			AutoExport:        true,
			MaxAttempts:       defaultSyncMaxAttempts,
			TimeoutSeconds:    defaultSyncTimeoutSeconds,
			BackoffBaseMillis: defaultBackoffBaseMillis,
			BackoffMaxMillis:  defaultBackoffMaxMillis,
		},
		Server: Server{
			Bind:    defaultServerBind,
			Metrics: true,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
	}
}
