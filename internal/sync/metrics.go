package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/providersync/internal/domain"
)

var (
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "coordinator",
		Name:      "runs_total",
		Help:      "Completed sync runs grouped by provider and outcome.",
	}, []string{"provider", "status"})

	skipCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "coordinator",
		Name:      "runs_skipped_total",
		Help:      "Invocations dropped because the per-connection lock was held.",
	}, []string{"provider"})

	rescheduleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "coordinator",
		Name:      "rate_limit_reschedules_total",
		Help:      "Retry runs queued after a provider rate limit.",
	}, []string{"provider"})

	mergedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "coordinator",
		Name:      "activities_merged_total",
		Help:      "Activities inserted or materially updated during merges.",
	}, []string{"provider"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provider_sync",
		Subsystem: "coordinator",
		Name:      "run_duration_seconds",
		Help:      "Wall time of sync runs from lock grant to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(runsCounter, skipCounter, rescheduleCounter, mergedCounter, runDuration)
}

func recordRun(provider string, status domain.SyncStatus, elapsed time.Duration) {
	runsCounter.WithLabelValues(provider, string(status)).Inc()
	runDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func recordSkip(provider string) {
	skipCounter.WithLabelValues(provider).Inc()
}

func recordReschedule(provider string) {
	rescheduleCounter.WithLabelValues(provider).Inc()
}

func recordActivityMerged(provider string) {
	mergedCounter.WithLabelValues(provider).Inc()
}
