// Package metrics holds the run registry gauges, kept apart from the
// per-stage recorder in pkg/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type RunMetrics struct {
	Active   prometheus.Gauge
	Finished *prometheus.CounterVec
	Duration prometheus.Histogram
	Rejected prometheus.Counter
}

func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	f := promauto.With(reg)
	return &RunMetrics{
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "astroseis",
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently executing",
		}),
		Finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astroseis",
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Finished runs by terminal state",
		}, []string{"state"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "astroseis",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of whole runs",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "astroseis",
			Subsystem: "runs",
			Name:      "rejected_total",
			Help:      "Run submissions refused before starting",
		}),
	}
}
