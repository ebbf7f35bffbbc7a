// Package metrics exposes Prometheus collectors for workflow runs.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mendstep"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	runs              *prometheus.CounterVec
	repairs           *prometheus.CounterVec
	versions          *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	active            prometheus.Gauge
	queued            prometheus.Gauge
}

// New registers the collectors with reg, reusing collectors that are already
// registered under the same names.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status.",
		}, []string{"status"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_attempts_total",
			Help:      "Repair attempts by outcome.",
		}, []string{"outcome"}),
		versions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_versions_saved_total",
			Help:      "Script versions persisted, by origin.",
		}, []string{"origin"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time spent executing one script attempt.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs holding a browser slot.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_queued",
			Help:      "Runs waiting for a browser slot.",
		}),
	}

	m.runs = register(reg, m.runs)
	m.repairs = register(reg, m.repairs)
	m.versions = register(reg, m.versions)
	m.executionDuration = register(reg, m.executionDuration)
	m.active = register(reg, m.active)
	m.queued = register(reg, m.queued)
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// RepairAttempted records one repair attempt; outcome is "patched" or "failed".
func (m *Metrics) RepairAttempted(outcome string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(outcome).Inc()
}

// VersionSaved records a persisted script; origin is "plan" or "repair".
func (m *Metrics) VersionSaved(origin string) {
	if m == nil {
		return
	}
	m.versions.WithLabelValues(origin).Inc()
}

func (m *Metrics) ObserveExecution(success bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "success"
	}
	m.executionDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) Queued(delta int) {
	if m == nil {
		return
	}
	m.queued.Add(float64(delta))
}

func (m *Metrics) Active(delta int) {
	if m == nil {
		return
	}
	m.active.Add(float64(delta))
}
