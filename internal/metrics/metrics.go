// Package metrics provides Prometheus instrumentation for the rate limiter's
// hot paths: acquire outcomes, config-resolver cache efficiency, and
// aggregator batch processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AcquireTotal counts Limiter.Acquire outcomes by resource and result.
	// result: admitted, rejected, degraded, error.
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zae_limiter",
			Subsystem: "limiter",
			Name:      "acquire_total",
			Help:      "Total Acquire calls by resource and outcome",
		},
		[]string{"resource", "result"},
	)

	// AcquireDuration tracks Acquire latency in seconds, including retries.
	AcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zae_limiter",
			Subsystem: "limiter",
			Name:      "acquire_duration_seconds",
			Help:      "Acquire call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"resource"},
	)

	// ResolverCacheLookups counts config-resolver cache lookups by scope and
	// hit/miss, mirroring Resolver.Stats but exported for scraping.
	ResolverCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zae_limiter",
			Subsystem: "resolver",
			Name:      "cache_lookups_total",
			Help:      "Config resolver cache lookups by scope and result",
		},
		[]string{"scope", "result"}, // result: hit, miss
	)

	// AggregatorBatchRecords counts stream records processed by the
	// aggregator, by outcome.
	AggregatorBatchRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zae_limiter",
			Subsystem: "aggregator",
			Name:      "batch_records_total",
			Help:      "Stream records processed by the aggregator, by outcome",
		},
		[]string{"outcome"}, // succeeded, failed, archived
	)

	// AggregatorShardsCreated counts shard-doubling events triggered by the
	// aggregator's hot-shard detector.
	AggregatorShardsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zae_limiter",
			Subsystem: "aggregator",
			Name:      "shards_created_total",
			Help:      "Bucket shard-doubling events triggered by the aggregator",
		},
	)

	// StoreOperationDuration tracks Repository operation latency by
	// operation name (get_entity, batch_get_buckets, write_transaction, ...).
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zae_limiter",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Repository operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	// StoreErrorsTotal counts Repository operation failures by operation and
	// error kind (as classified by internal/rlerrors).
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zae_limiter",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Repository operation errors by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
)

// RecordCacheLookup records one config-resolver cache lookup.
func RecordCacheLookup(scope, result string) {
	ResolverCacheLookups.WithLabelValues(scope, result).Inc()
}

// RecordBatchOutcome records one aggregator record outcome.
func RecordBatchOutcome(outcome string, n int) {
	if n <= 0 {
		return
	}
	AggregatorBatchRecords.WithLabelValues(outcome).Add(float64(n))
}

// RecordShardCreated records one shard-doubling event.
func RecordShardCreated() {
	AggregatorShardsCreated.Inc()
}

// RecordStoreOperation records one Repository operation's latency and, if
// it failed, its error kind.
func RecordStoreOperation(operation string, seconds float64, errKind string) {
	StoreOperationDuration.WithLabelValues(operation).Observe(seconds)
	if errKind != "" {
		StoreErrorsTotal.WithLabelValues(operation, errKind).Inc()
	}
}
