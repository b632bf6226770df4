package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the replication backlog and task outcomes.
type Metrics struct {
	Backlog *prometheus.GaugeVec
	Tasks   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Backlog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "herald",
			Subsystem: "mirror",
			Name:      "backlog_tasks",
			Help:      "Pending mirror tasks per primary bucket.",
		}, []string{"bucket"}),
		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "herald",
			Subsystem: "mirror",
			Name:      "tasks_total",
			Help:      "Processed mirror tasks by command and outcome.",
		}, []string{"bucket", "command", "outcome"}),
	}
}
