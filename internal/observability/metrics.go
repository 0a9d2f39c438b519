package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityMergedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "provider_sync",
		Subsystem: "persistence",
		Name:      "last_activity_merged_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity merged into Postgres.",
	})
	syncCompletedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "provider_sync",
		Subsystem: "persistence",
		Name:      "last_sync_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync run.",
	})
)

func init() {
	prometheus.MustRegister(activityMergedGauge, syncCompletedGauge)
}

// RecordActivityMerged updates the merge watermark gauge.
func RecordActivityMerged(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityMergedGauge.Set(float64(ts.Unix()))
}

// RecordSyncCompleted updates the successful-sync watermark gauge.
func RecordSyncCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	syncCompletedGauge.Set(float64(ts.Unix()))
}
