// Package metrics exposes research-run instrumentation to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strategy_lab"

// Recorder counts guardrail rejections, failed sweep units and completed
// runs. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry   *prometheus.Registry
	rejections *prometheus.CounterVec
	failures   *prometheus.CounterVec
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	jobs       prometheus.Gauge
}

// NewRecorder registers the collectors on a private registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_rejections_total",
			Help:      "Orders rejected by guardrails, by violation.",
		}, []string{"violation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Backtests skipped inside a sweep, by component.",
		}, []string{"component"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Completed research runs, by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed research runs, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind"}),
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Research jobs queued or running.",
		}),
	}
	r.registry.MustRegister(r.rejections, r.failures, r.runs, r.duration, r.jobs)
	return r
}

// GuardrailRejected implements guardrails.Recorder.
func (r *Recorder) GuardrailRejected(violation string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(violation).Inc()
}

// RunFailed implements optimization.Recorder.
func (r *Recorder) RunFailed(component string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(component).Inc()
}

// RunCompleted records a finished run of kind ("backtest", "montecarlo", ...).
func (r *Recorder) RunCompleted(kind string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(kind).Inc()
	r.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// JobStarted and JobFinished track the job gauge.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.jobs.Inc()
}

func (r *Recorder) JobFinished() {
	if r == nil {
		return
	}
	r.jobs.Dec()
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
