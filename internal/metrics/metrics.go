// Package metrics holds the pipeline's prometheus collectors. They are for
// observability only; budgets read the cost ledger in the store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// jobsProcessed counts finished jobs by stage and outcome.
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sieve_jobs_processed_total",
		Help: "Jobs processed by stage and outcome",
	}, []string{"stage", "outcome"})

	// jobDuration tracks handler latency per stage.
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sieve_job_duration_seconds",
		Help:    "Stage handler duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sieve_cache_lookups_total",
		Help: "Model cache lookups by task kind and result",
	}, []string{"task", "result"})

	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sieve_provider_calls_total",
		Help: "Model provider calls by tier and outcome",
	}, []string{"tier", "outcome"})

	modelCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sieve_model_cost_total",
		Help: "Model spend by tier in configured price units",
	}, []string{"tier"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sieve_breaker_open",
		Help: "1 while a tier's circuit breaker is open",
	}, []string{"tier"})

	syncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sieve_sync_outcomes_total",
		Help: "Sync dispatch outcomes by target",
	}, []string{"target", "outcome"})

	feedbackIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sieve_feedback_ingested_total",
		Help: "Normalized feedback records by source and outcome",
	}, []string{"source", "outcome"})
)

// JobProcessed records a finished job.
func JobProcessed(stage, outcome string, elapsed time.Duration) {
	jobsProcessed.WithLabelValues(stage, outcome).Inc()
	jobDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// CacheLookup records a cache hit or miss.
func CacheLookup(task string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(task, result).Inc()
}

// ProviderCall records one provider attempt.
func ProviderCall(tier, outcome string) {
	providerCalls.WithLabelValues(tier, outcome).Inc()
}

// ModelCost adds spend for a tier.
func ModelCost(tier string, cost float64) {
	if cost > 0 {
		modelCost.WithLabelValues(tier).Add(cost)
	}
}

// BreakerOpen flags a tier's breaker state.
func BreakerOpen(tier string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	breakerState.WithLabelValues(tier).Set(value)
}

// SyncOutcome records a dispatch result.
func SyncOutcome(target, outcome string) {
	syncOutcomes.WithLabelValues(target, outcome).Inc()
}

// FeedbackIngested records a normalization result.
func FeedbackIngested(source, outcome string) {
	feedbackIngested.WithLabelValues(source, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
