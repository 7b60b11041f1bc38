package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registered on the default registry, which promhttp.Handler() serves.

var (
	// Cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genmediator_cache_lookups_total",
			Help: "Semantic cache lookups by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: exact, similar, miss, error
	)

	cacheMemoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genmediator_cache_memory_entries",
			Help: "Entries resident in the in-memory cache tier",
		},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genmediator_cache_evictions_total",
			Help: "Entries evicted from the in-memory cache tier",
		},
	)

	// Rate limit metrics
	rateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "genmediator_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	rateLimitQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genmediator_rate_limit_queue_length",
			Help: "Requests waiting for a rate limiter token",
		},
	)

	// Batch metrics
	batchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genmediator_batch_pending",
			Help: "Items waiting in the batch queue",
		},
	)

	batchWaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genmediator_batch_waves_total",
			Help: "Batch waves dispatched",
		},
	)

	// Generation metrics
	generationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genmediator_generation_requests_total",
			Help: "External generation calls by kind and status",
		},
		[]string{"kind", "status"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genmediator_generation_duration_seconds",
			Help:    "External generation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"kind"},
	)

	// Spend metrics
	spendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genmediator_spend_usd_total",
			Help: "Estimated spend recorded in USD",
		},
		[]string{"kind"},
	)

	savedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genmediator_saved_usd_total",
			Help: "Estimated spend avoided through cache hits in USD",
		},
		[]string{"kind"},
	)

	budgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genmediator_budget_rejections_total",
			Help: "Requests refused by the daily budget gate",
		},
	)
)

func RecordCacheLookup(kind, outcome string) {
	cacheLookups.WithLabelValues(kind, outcome).Inc()
}

func SetCacheMemoryEntries(n int) {
	cacheMemoryEntries.Set(float64(n))
}

func RecordCacheEviction() {
	cacheEvictions.Inc()
}

func RecordRateLimitWait(d time.Duration) {
	rateLimitWait.Observe(d.Seconds())
}

func SetRateLimitQueue(n int) {
	rateLimitQueue.Set(float64(n))
}

func SetBatchPending(n int) {
	batchPending.Set(float64(n))
}

func RecordBatchWave() {
	batchWaves.Inc()
}

// RecordGeneration records one external call. status is "success" or an error kind.
func RecordGeneration(kind, status string, d time.Duration) {
	generationRequests.WithLabelValues(kind, status).Inc()
	generationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordSpend(kind string, cost float64) {
	if cost > 0 {
		spendTotal.WithLabelValues(kind).Add(cost)
	}
}

func RecordSaved(kind string, saved float64) {
	if saved > 0 {
		savedTotal.WithLabelValues(kind).Add(saved)
	}
}

func RecordBudgetRejection() {
	budgetRejections.Inc()
}
