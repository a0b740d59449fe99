package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics count notification outcomes.
type Metrics struct {
	Sent    prometheus.Counter
	Failed  prometheus.Counter
	Dropped prometheus.Counter
}

// NewMetrics registers the collectors on reg, or on a private registry when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "attendance", Subsystem: "notify", Name: name, Help: help}
	}
	return &Metrics{
		Sent:    f.NewCounter(opts("sent_total", "Notifications delivered")),
		Failed:  f.NewCounter(opts("failed_total", "Notifications that failed to deliver")),
		Dropped: f.NewCounter(opts("dropped_total", "Notifications dropped because the queue was full")),
	}
}
