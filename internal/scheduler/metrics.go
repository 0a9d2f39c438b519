package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	bulkPassTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "scheduler",
		Name:      "bulk_passes_total",
		Help:      "Number of bulk-sync scheduler passes executed.",
	})
	bulkStaleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "provider_sync",
		Subsystem: "scheduler",
		Name:      "stale_connections_last_pass",
		Help:      "Stale connections found by the most recent bulk pass.",
	})
	bulkEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "scheduler",
		Name:      "bulk_runs_enqueued_total",
		Help:      "Sync runs enqueued by the bulk scheduler.",
	})
)

func init() {
	prometheus.MustRegister(bulkPassTotal, bulkStaleGauge, bulkEnqueuedTotal)
}

func recordBulkPass(stale, enqueued int) {
	bulkPassTotal.Inc()
	bulkStaleGauge.Set(float64(stale))
	bulkEnqueuedTotal.Add(float64(enqueued))
}
