package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the request path: counts by operation and status class,
// latency, and failover activations.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Failovers *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Handled requests by operation and status.",
		}, []string{"operation", "status"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "herald",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Subsystem: "gateway",
			Name:      "failovers_total",
			Help:      "Replica failover attempts by bucket and outcome.",
		}, []string{"bucket", "outcome"}),
	}
}
