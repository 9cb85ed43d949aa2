// Package router sends model work to a cost-appropriate tier. It owns the
// analysis cache, per-tier retries and circuit breakers, fallback to cheaper
// tiers, the malformed-output retry, and cost accounting.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"sieve/internal/config"
	"sieve/internal/logging"
	"sieve/internal/metrics"
	"sieve/internal/ratelimit"
	"sieve/internal/router/cache"
	"sieve/internal/services"
	"sieve/internal/services/llm"
	"sieve/internal/services/openai"
	"sieve/internal/store"
)

// Task kinds. Requirement synthesis always runs on the premium tier.
const (
	TaskAnalysis             = "analysis"
	TaskRequirementSynthesis = "requirementSynthesis"
)

// Tier names, cheapest first.
const (
	TierCheap   = "cheap"
	TierMid     = "mid"
	TierPremium = "premium"
)

const maxRetryAfter = 5 * time.Minute

// Provider is one model endpoint. Implementations make a single attempt per
// call and report failures through the services error markers.
type Provider interface {
	Name() string
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (services.Completion, error)
}

// Ledger receives per-workspace spend.
type Ledger interface {
	AddCost(ctx context.Context, entry store.CostEntry) error
	Costs(ctx context.Context, workspaceID, period string) ([]store.CostEntry, error)
}

// AnalyzeRequest asks for the sentiment and themes of cluster content.
type AnalyzeRequest struct {
	WorkspaceID string
	ClusterID   int64
	Content     string
	TaskKind    string
}

// Analysis is the structured answer expected from the model.
type Analysis struct {
	Sentiment float64  `json:"sentiment"`
	Themes    []string `json:"themes"`
	Summary   string   `json:"summary"`
}

// AnalysisResult is an Analysis plus routing facts.
type AnalysisResult struct {
	Analysis
	Tier          string
	RequestedTier string
	Model         string
	CacheKey      string
	Cached        bool
	Cost          float64
	Complexity    float64
}

// SynthesisRequest asks the premium tier for a structured artifact. Decode
// validates the raw model output; a failure triggers the strict retry.
type SynthesisRequest struct {
	WorkspaceID  string
	ClusterID    int64
	System       string
	Prompt       string
	StrictPrompt string
	Decode       func(content string) error
}

// SynthesisResult carries the raw content that passed Decode.
type SynthesisResult struct {
	Content  string
	Tier     string
	Model    string
	CacheKey string
	Cached   bool
	Cost     float64
	Strict   bool
}

type tier struct {
	name     string
	provider Provider
	price    float64
	timeout  time.Duration
	breaker  *breaker
}

// Router is safe for concurrent use.
type Router struct {
	tiers            map[string]*tier
	midThreshold     float64
	premiumThreshold float64
	maxAttempts      int
	backoffBase      time.Duration
	backoffMax       time.Duration

	ledger Ledger
	cache  *cache.Cache
	limits *ratelimit.Registry
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes a Router.
type Option func(*Router)

// WithClock overrides the time source for breakers and ledger periods.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSleeper overrides how backoff waits are performed.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// New builds a router over explicit providers keyed by tier name. Tier
// pricing, timeouts, and rate limits come from cfg.Router.Tiers.
func New(cfg *config.Config, providers map[string]Provider, ledger Ledger, c *cache.Cache, limits *ratelimit.Registry, logger *slog.Logger, opts ...Option) (*Router, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrFatalConfig, "router", "init", "config unavailable", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Router{
		tiers:            make(map[string]*tier),
		midThreshold:     cfg.Router.MidThreshold,
		premiumThreshold: cfg.Router.PremiumThreshold,
		maxAttempts:      cfg.Router.MaxAttempts,
		backoffBase:      time.Duration(cfg.Router.BackoffBaseMillis) * time.Millisecond,
		backoffMax:       time.Duration(cfg.Router.BackoffMaxMillis) * time.Millisecond,
		ledger:           ledger,
		cache:            c,
		limits:           limits,
		logger:           logging.NewComponentLogger(logger, "router"),
		now:              time.Now,
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	cooldown := time.Duration(cfg.Router.BreakerCooldownSeconds) * time.Second
	for name, provider := range providers {
		if provider == nil {
			continue
		}
		tc := cfg.Router.Tiers[name]
		r.tiers[name] = &tier{
			name:     name,
			provider: provider,
			price:    tc.PricePer1K,
			timeout:  time.Duration(tc.TimeoutSeconds) * time.Second,
			breaker:  newBreaker(cfg.Router.BreakerFailures, cooldown, func() time.Time { return r.now() }),
		}
		if limits != nil {
			limits.Register(ratelimit.ProviderKey(name), tc.RequestsPerSecond, tc.Burst)
		}
	}
	if _, ok := r.tiers[TierPremium]; !ok {
		return nil, services.Wrap(services.ErrFatalConfig, "router", "init", "premium tier is required", nil)
	}
	return r, nil
}

// NewFromConfig builds providers for every configured tier.
func NewFromConfig(cfg *config.Config, ledger Ledger, c *cache.Cache, limits *ratelimit.Registry, logger *slog.Logger, opts ...Option) (*Router, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrFatalConfig, "router", "init", "config unavailable", nil)
	}
	providers := make(map[string]Provider, len(cfg.Router.Tiers))
	for name, tc := range cfg.Router.Tiers {
		provider, err := providerFor(tc)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}
		providers[name] = provider
	}
	return New(cfg, providers, ledger, c, limits, logger, opts...)
}

func providerFor(tc config.Tier) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(tc.Provider)) {
	case "", "openrouter":
		return llm.NewClient(llm.Config{
			APIKey:         tc.APIKey,
			BaseURL:        tc.BaseURL,
			Model:          tc.Model,
			Referer:        tc.Referer,
			Title:          tc.Title,
			TimeoutSeconds: tc.TimeoutSeconds,
		}), nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:         tc.APIKey,
			BaseURL:        tc.BaseURL,
			Model:          tc.Model,
			TimeoutSeconds: tc.TimeoutSeconds,
		}), nil
	default:
		return nil, services.Wrap(services.ErrFatalConfig, "router", "init", fmt.Sprintf("unsupported provider %q", tc.Provider), nil)
	}
}

// SelectTier maps a complexity score and task kind to the configured tier
// that should answer first.
func (r *Router) SelectTier(complexity float64, taskKind string) string {
	want := TierCheap
	switch {
	case taskKind == TaskRequirementSynthesis, complexity >= r.premiumThreshold:
		want = TierPremium
	case complexity >= r.midThreshold:
		want = TierMid
	}
	return r.resolveTier(want)
}

// resolveTier returns want when configured, else the next cheaper configured
// tier, else the cheapest configured tier above it.
func (r *Router) resolveTier(want string) string {
	if _, ok := r.tiers[want]; ok {
		return want
	}
	idx := tierIndex(want)
	for i := idx - 1; i >= 0; i-- {
		if _, ok := r.tiers[config.TierNames[i]]; ok {
			return config.TierNames[i]
		}
	}
	for i := idx + 1; i < len(config.TierNames); i++ {
		if _, ok := r.tiers[config.TierNames[i]]; ok {
			return config.TierNames[i]
		}
	}
	return TierPremium
}

// fallbackChain lists start followed by every cheaper configured tier.
func (r *Router) fallbackChain(start string) []*tier {
	chain := []*tier{r.tiers[start]}
	for i := tierIndex(start) - 1; i >= 0; i-- {
		if t, ok := r.tiers[config.TierNames[i]]; ok {
			chain = append(chain, t)
		}
	}
	return chain
}

func tierIndex(name string) int {
	for i, n := range config.TierNames {
		if n == name {
			return i
		}
	}
	return len(config.TierNames) - 1
}

// Analyze returns the analysis for content, from cache when possible.
// Transient failures that exhaust a tier escalate to the next cheaper tier.
func (r *Router) Analyze(ctx context.Context, req AnalyzeRequest) (AnalysisResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return AnalysisResult{}, services.Wrap(services.ErrValidation, "router", "analyze", "empty content", nil)
	}
	task := req.TaskKind
	if task == "" {
		task = TaskAnalysis
	}
	complexity := Complexity(req.Content)
	requested := r.SelectTier(complexity, task)
	key := cache.Key(req.Content, requested, task)

	if res, ok := r.cachedAnalysis(key, task); ok {
		res.RequestedTier, res.Complexity = requested, complexity
		return res, nil
	}

	led := false
	v, err, _ := r.group.Do(key, func() (any, error) {
		led = true
		if res, ok := r.cachedAnalysis(key, task); ok {
			return res, nil
		}
		return r.analyzeMiss(ctx, req, task, requested, key)
	})
	if err != nil {
		return AnalysisResult{}, err
	}
	res := v.(AnalysisResult)
	if !led {
		res.Cached, res.Cost = true, 0
	}
	res.RequestedTier, res.Complexity = requested, complexity
	return res, nil
}

func (r *Router) cachedAnalysis(key, task string) (AnalysisResult, bool) {
	if r.cache == nil {
		return AnalysisResult{}, false
	}
	entry, ok, err := r.cache.Get(key)
	if err != nil {
		r.logger.Warn("analysis cache read failed; calling provider",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_read_failed"),
			logging.String(logging.FieldErrorHint, "check the cache directory"),
			logging.String(logging.FieldImpact, "extra provider spend"),
		)
		return AnalysisResult{}, false
	}
	if ok {
		var analysis Analysis
		if err := json.Unmarshal(entry.Payload, &analysis); err == nil {
			metrics.CacheLookup(task, true)
			return AnalysisResult{Analysis: analysis, Tier: entry.Tier, Model: entry.Model, CacheKey: key, Cached: true}, true
		}
	}
	metrics.CacheLookup(task, false)
	return AnalysisResult{}, false
}

func (r *Router) analyzeMiss(ctx context.Context, req AnalyzeRequest, task, requested, key string) (AnalysisResult, error) {
	system := analysisSystemPrompt
	user := analysisUserPrompt(req.Content)
	strict := user + strictSuffix

	var (
		lastErr   error
		exhausted bool
	)
	for _, t := range r.fallbackChain(requested) {
		var analysis Analysis
		_, completion, cost, err := r.completeValidated(ctx, req.WorkspaceID, t, system, user, strict, func(content string) error {
			return decodeAnalysis(content, &analysis)
		})
		if err == nil {
			result := AnalysisResult{
				Analysis: analysis,
				Tier:     t.name,
				Model:    completion.Model,
				CacheKey: key,
				Cost:     cost,
			}
			r.store(key, t.name, completion.Model, mustJSON(analysis))
			if t.name != requested {
				r.logger.Info("analysis answered by fallback tier",
					logging.String(logging.FieldWorkspaceID, req.WorkspaceID),
					logging.ClusterID(req.ClusterID),
					logging.String("requested_tier", requested),
					logging.Tier(t.name),
					logging.String(logging.FieldEventType, "tier_fallback"),
				)
			}
			return result, nil
		}
		tierExhausted := errors.Is(err, services.ErrExhausted)
		if !tierExhausted && !services.IsTransient(err) {
			return AnalysisResult{}, err
		}
		exhausted = exhausted || tierExhausted
		lastErr = err
	}
	if !exhausted {
		// Only open breakers or rate waits; a later job attempt may get through.
		return AnalysisResult{}, fmt.Errorf("analyze: every tier unavailable: %w", lastErr)
	}
	return AnalysisResult{}, services.Wrap(services.ErrExhausted, "router", "analyze", "every tier failed", lastErr)
}

// Synthesize runs req on the premium tier. It never changes tier.
func (r *Router) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return SynthesisResult{}, services.Wrap(services.ErrValidation, "router", "synthesize", "empty prompt", nil)
	}
	if req.Decode == nil {
		req.Decode = func(string) error { return nil }
	}
	t := r.tiers[TierPremium]
	key := cache.Key(req.System+"\x00"+req.Prompt, t.name, TaskRequirementSynthesis)

	if res, ok := r.cachedSynthesis(key, req.Decode); ok {
		return res, nil
	}

	strictPrompt := req.StrictPrompt
	if strictPrompt == "" {
		strictPrompt = req.Prompt + strictSuffix
	}
	content, completion, cost, err := r.completeValidated(ctx, req.WorkspaceID, t, req.System, req.Prompt, strictPrompt, req.Decode)
	if err != nil {
		return SynthesisResult{}, err
	}
	r.store(key, t.name, completion.Model, mustJSON(content.text))
	return SynthesisResult{
		Content:  content.text,
		Tier:     t.name,
		Model:    completion.Model,
		CacheKey: key,
		Cost:     cost,
		Strict:   content.strict,
	}, nil
}

func (r *Router) cachedSynthesis(key string, decode func(string) error) (SynthesisResult, bool) {
	if r.cache == nil {
		return SynthesisResult{}, false
	}
	entry, ok, err := r.cache.Get(key)
	if err != nil || !ok {
		metrics.CacheLookup(TaskRequirementSynthesis, false)
		return SynthesisResult{}, false
	}
	var text string
	if err := json.Unmarshal(entry.Payload, &text); err != nil || decode(text) != nil {
		metrics.CacheLookup(TaskRequirementSynthesis, false)
		return SynthesisResult{}, false
	}
	metrics.CacheLookup(TaskRequirementSynthesis, true)
	return SynthesisResult{Content: text, Tier: entry.Tier, Model: entry.Model, CacheKey: key, Cached: true}, true
}

type validatedContent struct {
	text   string
	strict bool
}

// completeValidated calls t and validates the output, retrying once with the
// strict prompt on a validation failure. Cost covers every completed call.
func (r *Router) completeValidated(ctx context.Context, workspaceID string, t *tier, system, user, strict string, validate func(string) error) (validatedContent, services.Completion, float64, error) {
	var total float64
	completion, err := r.complete(ctx, t, system, user)
	if err != nil {
		return validatedContent{}, services.Completion{}, 0, err
	}
	total += r.charge(ctx, workspaceID, t, completion)
	firstErr := validate(completion.Content)
	if firstErr == nil {
		return validatedContent{text: completion.Content}, completion, total, nil
	}
	r.logger.Warn("model output failed validation; retrying with strict prompt",
		logging.String(logging.FieldWorkspaceID, workspaceID),
		logging.Tier(t.name),
		logging.Error(firstErr),
		logging.String(logging.FieldEventType, "malformed_output"),
		logging.String(logging.FieldErrorHint, "the strict prompt is tried once"),
		logging.String(logging.FieldImpact, "one extra provider call"),
	)

	completion, err = r.complete(ctx, t, system, strict)
	if err != nil {
		return validatedContent{}, services.Completion{}, total, err
	}
	total += r.charge(ctx, workspaceID, t, completion)
	if err := validate(completion.Content); err != nil {
		return validatedContent{}, services.Completion{}, total,
			services.Wrap(services.ErrMalformedOutput, "router", t.name, "output failed validation twice", err)
	}
	return validatedContent{text: completion.Content, strict: true}, completion, total, nil
}

// complete performs one logical call against a tier with transient retries.
// Running out of attempts returns ErrExhausted wrapping the last transient
// error, so callers can still fall back while the job itself is not retried.
func (r *Router) complete(ctx context.Context, t *tier, system, user string) (services.Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if !t.breaker.Allow() {
			metrics.ProviderCall(t.name, "breaker_open")
			return services.Completion{}, services.Wrap(services.ErrTransient, "router", t.name, "circuit breaker open", lastErr)
		}
		if err := r.limits.Wait(ctx, ratelimit.ProviderKey(t.name)); err != nil {
			if ctx.Err() != nil {
				return services.Completion{}, ctx.Err()
			}
			lastErr = err
			metrics.ProviderCall(t.name, "rate_wait_timeout")
		} else {
			completion, err := r.callOnce(ctx, t, system, user)
			if err == nil {
				t.breaker.Success()
				metrics.BreakerOpen(t.name, false)
				metrics.ProviderCall(t.name, "ok")
				return completion, nil
			}
			if ctx.Err() != nil {
				return services.Completion{}, ctx.Err()
			}
			if !services.IsTransient(err) {
				metrics.ProviderCall(t.name, "error")
				return services.Completion{}, err
			}
			metrics.ProviderCall(t.name, "transient")
			if t.breaker.Failure() {
				metrics.BreakerOpen(t.name, true)
				r.logger.Warn("circuit breaker opened",
					logging.Tier(t.name),
					logging.String("provider", t.provider.Name()),
					logging.Error(err),
					logging.String(logging.FieldEventType, "breaker_open"),
					logging.String(logging.FieldErrorHint, "provider is failing repeatedly"),
					logging.String(logging.FieldImpact, "calls fall back to cheaper tiers"),
				)
			}
			lastErr = err
		}
		if attempt == r.maxAttempts {
			break
		}
		delay := r.backoffDelay(attempt)
		if retryAfter, ok := services.RetryAfter(lastErr); ok {
			delay = min(retryAfter, maxRetryAfter)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return services.Completion{}, err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown retry failure")
	}
	return services.Completion{}, services.Wrap(services.ErrExhausted, "router", t.name,
		fmt.Sprintf("failed after %d attempts", r.maxAttempts), lastErr)
}

func (r *Router) callOnce(ctx context.Context, t *tier, system, user string) (services.Completion, error) {
	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	completion, err := t.provider.CompleteJSON(callCtx, system, user)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !services.IsTransient(err) {
		err = services.Wrap(services.ErrTransient, "router", t.name, "call timeout", err)
	}
	return completion, err
}

// backoffDelay doubles from the base for each attempt, capped at the max.
func (r *Router) backoffDelay(attempt int) time.Duration {
	if r.backoffBase <= 0 {
		return 0
	}
	delay := r.backoffBase
	for i := 1; i < attempt; i++ {
		if r.backoffMax > 0 && delay > r.backoffMax/2 {
			return r.backoffMax
		}
		delay *= 2
	}
	if r.backoffMax > 0 && delay > r.backoffMax {
		return r.backoffMax
	}
	return delay
}

// charge prices a completion and adds it to the workspace ledger. Ledger
// failures are logged; they never fail the model call.
func (r *Router) charge(ctx context.Context, workspaceID string, t *tier, completion services.Completion) float64 {
	cost := float64(completion.TotalTokens()) / 1000 * t.price
	metrics.ModelCost(t.name, cost)
	if r.ledger == nil || workspaceID == "" {
		return cost
	}
	if err := r.ledger.AddCost(ctx, store.CostEntry{
		WorkspaceID:      workspaceID,
		Period:           Period(r.now()),
		Tier:             t.name,
		Calls:            1,
		PromptTokens:     int64(completion.PromptTokens),
		CompletionTokens: int64(completion.CompletionTokens),
		Cost:             cost,
	}); err != nil {
		r.logger.Warn("cost ledger update failed",
			logging.String(logging.FieldWorkspaceID, workspaceID),
			logging.Tier(t.name),
			logging.Cost(cost),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ledger_write_failed"),
			logging.String(logging.FieldErrorHint, "check database health"),
			logging.String(logging.FieldImpact, "workspace spend under-reported"),
		)
	}
	return cost
}

func (r *Router) store(key, tierName, model string, payload json.RawMessage) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(key, cache.Entry{Tier: tierName, Model: model, Payload: payload}); err != nil {
		r.logger.Warn("analysis cache write failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_write_failed"),
			logging.String(logging.FieldErrorHint, "check the cache directory"),
			logging.String(logging.FieldImpact, "repeat calls will not be cached"),
		)
	}
}

// Costs returns the workspace's spend for a billing period (YYYY-MM).
func (r *Router) Costs(ctx context.Context, workspaceID, period string) ([]store.CostEntry, error) {
	if r.ledger == nil {
		return nil, nil
	}
	return r.ledger.Costs(ctx, workspaceID, period)
}

// Tiers returns the configured tier names, cheapest first.
func (r *Router) Tiers() []string {
	var out []string
	for _, name := range config.TierNames {
		if _, ok := r.tiers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Period formats the UTC billing period of t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
