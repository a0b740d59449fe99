package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the session's Prometheus collectors.
type Metrics struct {
	Marks         prometheus.Counter
	FlushFailures prometheus.Counter
}

// NewMetrics registers the session collectors on reg, or on a private
// registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Marks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "session",
			Name:      "marks_total",
			Help:      "Identities marked present",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "session",
			Name:      "flush_failures_total",
			Help:      "Failed writes of buffered marks",
		}),
	}
}
