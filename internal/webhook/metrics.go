package webhook

import "github.com/prometheus/client_golang/prometheus"

var receivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "provider_sync",
	Subsystem: "webhook",
	Name:      "events_received_total",
	Help:      "Webhook deliveries by provider, aspect type, and disposition.",
}, []string{"provider", "aspect", "disposition"})

func init() {
	prometheus.MustRegister(receivedCounter)
}

func recordReceived(provider, aspect, disposition string) {
	receivedCounter.WithLabelValues(provider, aspect, disposition).Inc()
}
