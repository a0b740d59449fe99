package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	FramesSubmitted   prometheus.Counter
	FramesDropped     prometheus.Counter
	FramesProcessed   prometheus.Counter
	DetectionFailures prometheus.Counter
	ExtractFailures   prometheus.Counter
	ProcessDuration   prometheus.Histogram
	QueueDepth        prometheus.Gauge
	ActiveTracks      prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "frames_submitted_total",
			Help:      "Frames offered to the pipeline",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because the input queue was full",
		}),
		FramesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "frames_processed_total",
			Help:      "Frames fully processed by a worker",
		}),
		DetectionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "detection_failures_total",
			Help:      "Frames whose detector call failed",
		}),
		ExtractFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "extraction_failures_total",
			Help:      "Face crops skipped because embedding failed",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "process_duration_seconds",
			Help:      "Time spent processing one frame",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Frames waiting in the input queue",
		}),
		ActiveTracks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "attendance",
			Subsystem: "pipeline",
			Name:      "active_tracks",
			Help:      "Live smoothing tracks",
		}),
	}
}
