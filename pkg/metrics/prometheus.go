package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	outcomes    *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	scores      *prometheus.HistogramVec
	latency     *prometheus.HistogramVec
	guardMode   prometheus.Gauge
	brakeActive prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		outcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siggate_outcomes_total",
				Help: "Total pipeline outcomes by stage, outcome and reason",
			},
			[]string{"stage", "outcome", "reason"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siggate_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		scores: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siggate_stage_score",
				Help:    "Quality and confidence scores per stage",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"stage"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siggate_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		guardMode: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siggate_guard_mode",
				Help: "Current guard mode severity (0 normal .. 4 cancel_open_orders)",
			},
		),
		brakeActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siggate_brake_active",
				Help: "Whether the emergency brake is engaged",
			},
		),
	}
}

// RecordOutcome records one stage disposition.
func (r *Recorder) RecordOutcome(stage, outcome, reason string) {
	r.outcomes.WithLabelValues(stage, outcome, reason).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordScore records a quality or confidence score for a stage.
func (r *Recorder) RecordScore(stage string, score float64) {
	r.scores.WithLabelValues(stage).Observe(score)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// SetGuardMode records the guard state machine severity.
func (r *Recorder) SetGuardMode(severity int) {
	r.guardMode.Set(float64(severity))
}

// SetBrakeActive records the emergency brake state.
func (r *Recorder) SetBrakeActive(active bool) {
	if active {
		r.brakeActive.Set(1)
	} else {
		r.brakeActive.Set(0)
	}
}
