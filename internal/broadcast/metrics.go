package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "broadcast",
		Name:      "events_published_total",
		Help:      "Status events delivered to the broadcast topic, by status.",
	}, []string{"status"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "broadcast",
		Name:      "events_failed_total",
		Help:      "Status events dropped after a publish failure, by status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(publishedCounter, failedCounter)
}
