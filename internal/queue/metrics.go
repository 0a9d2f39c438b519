package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/providersync/internal/sync"
)

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "runs_enqueued_total",
		Help:      "Queued sync runs recorded in the ledger, by provider.",
	}, []string{"provider"})

	enqueueDedupedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "enqueues_deduped_total",
		Help:      "Targeted enqueues collapsed into an already pending run.",
	}, []string{"provider"})

	dispatchedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "jobs_dispatched_total",
		Help:      "Jobs successfully published to the work topic.",
	})

	dispatchFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "jobs_dispatch_failed_total",
		Help:      "Jobs that failed to publish and will be reclaimed later.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "dispatch_batch_duration_seconds",
		Help:      "Time spent claiming and publishing one dispatch batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Jobs handled to completion, by provider and coordinator outcome.",
	}, []string{"provider", "outcome"})

	runErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "run_errors_total",
		Help:      "Jobs whose bookkeeping failed and were left for redelivery.",
	}, []string{"provider"})

	decodeErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "queue",
		Name:      "decode_errors_total",
		Help:      "Malformed job messages committed and skipped.",
	})
)

func init() {
	prometheus.MustRegister(
		enqueuedCounter,
		enqueueDedupedCounter,
		dispatchedCounter,
		dispatchFailedCounter,
		batchDuration,
		processedCounter,
		runErrorCounter,
		decodeErrorCounter,
	)
}

func recordEnqueued(provider string) {
	enqueuedCounter.WithLabelValues(provider).Inc()
}

func recordEnqueueDeduped(provider string) {
	enqueueDedupedCounter.WithLabelValues(provider).Inc()
}

func recordProcessed(provider string, result sync.Result) {
	outcome := string(result.Status)
	if result.Skipped {
		outcome = "skipped"
	}
	processedCounter.WithLabelValues(provider, outcome).Inc()
}

func recordRunError(provider string) {
	runErrorCounter.WithLabelValues(provider).Inc()
}

func recordDecodeError() {
	decodeErrorCounter.Inc()
}
