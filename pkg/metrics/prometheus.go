package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	stageDuration *prometheus.HistogramVec
	rejected      *prometheus.CounterVec
	events        *prometheus.CounterVec
	permutations  *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New registers the collectors on reg, the default registerer when nil.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astroseis_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"stage", "result"},
		),
		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astroseis_catalog_rejected_total",
				Help: "Catalog records rejected during normalization",
			},
			[]string{"reason"},
		),
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astroseis_catalog_events_total",
				Help: "Catalog events by processing outcome",
			},
			[]string{"kind"},
		),
		permutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astroseis_permutations_total",
				Help: "Permutations fitted for null distributions",
			},
			[]string{"test"},
		),
		verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astroseis_verdicts_total",
				Help: "Statistical test verdicts",
			},
			[]string{"test", "verdict"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "astroseis_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "astroseis_operation_duration_seconds",
				Help:    "Duration of external operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordStage(stage string, seconds float64, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	r.stageDuration.WithLabelValues(stage, result).Observe(seconds)
}

func (r *Recorder) RecordRejected(reason string, n int) {
	r.rejected.WithLabelValues(reason).Add(float64(n))
}

// RecordEvents counts events by kind: raw, normalized, independent, dependent.
func (r *Recorder) RecordEvents(kind string, n int) {
	r.events.WithLabelValues(kind).Add(float64(n))
}

func (r *Recorder) RecordPermutations(test string, n int) {
	r.permutations.WithLabelValues(test).Add(float64(n))
}

func (r *Recorder) RecordVerdict(test, verdict string) {
	r.verdicts.WithLabelValues(test, verdict).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordStage(string, float64, bool) {}
func (Nop) RecordRejected(string, int)        {}
func (Nop) RecordEvents(string, int)          {}
func (Nop) RecordPermutations(string, int)    {}
func (Nop) RecordVerdict(string, string)      {}
func (Nop) RecordError(string)                {}
func (Nop) RecordLatency(string, float64)     {}
