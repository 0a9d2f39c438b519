package provider

import "github.com/prometheus/client_golang/prometheus"

var (
	apiCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provider_sync",
		Subsystem: "provider",
		Name:      "api_calls_total",
		Help:      "Provider API calls grouped by provider, operation, and outcome.",
	}, []string{"provider", "operation", "outcome"})
)

func init() {
	prometheus.MustRegister(apiCallCounter)
}

func recordAPICall(provider, operation, outcome string) {
	apiCallCounter.WithLabelValues(provider, operation, outcome).Inc()
}
