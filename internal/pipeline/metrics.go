package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage outcomes recorded in metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics records stage durations and outcomes for the textfile collector.
type Metrics struct {
	registry *prometheus.Registry
	duration *prometheus.GaugeVec
	outcome  *prometheus.GaugeVec
	finished prometheus.Gauge
}

// NewMetrics creates metrics in a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "envbuild",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the last run of each build stage.",
		}, []string{"stage"}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "envbuild",
			Name:      "stage_outcome",
			Help:      "1 for the outcome of the last run of each build stage.",
		}, []string{"stage", "outcome"}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envbuild",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last stage completed.",
		}),
	}
	m.registry.MustRegister(m.duration, m.outcome, m.finished)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(stage).Set(d.Seconds())
	for _, o := range []string{OutcomeSucceeded, OutcomeFailed, OutcomeSkipped} {
		v := 0.0
		if o == outcome {
			v = 1
		}
		m.outcome.WithLabelValues(stage, o).Set(v)
	}
	m.finished.SetToCurrentTime()
}

// WriteFile writes all metrics to path in text exposition format. The file
// is replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
