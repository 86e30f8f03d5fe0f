package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics collects engine metrics for Prometheus scraping. All
// metrics live under the "stategraph" namespace.
type PrometheusMetrics struct {
	nodeLatency      *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	halts            *prometheus.CounterVec
	checkpoints      prometheus.Counter
	inflightBranches prometheus.Gauge
}

// NewPrometheusMetrics creates and registers engine metrics on the given
// registerer. Pass prometheus.DefaultRegisterer for the usual global
// registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		nodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stategraph",
			Name:      "node_duration_seconds",
			Help:      "Wall-clock duration of node executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node", "status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "runs_total",
			Help:      "Completed workflow runs by terminal status.",
		}, []string{"status"}),
		halts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "halts_total",
			Help:      "Halted runs by halt reason code.",
		}, []string{"reason"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "checkpoints_appended_total",
			Help:      "Checkpoint records appended to the store.",
		}),
		inflightBranches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stategraph",
			Name:      "inflight_branches",
			Help:      "Fan-out branches currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.nodeLatency, m.runs, m.halts, m.checkpoints, m.inflightBranches)
	}
	return m
}

// RecordNodeLatency records one node execution.
func (m *PrometheusMetrics) RecordNodeLatency(node string, d time.Duration, status string) {
	m.nodeLatency.WithLabelValues(node, status).Observe(d.Seconds())
}

// IncRun counts one finished run. Status is completed, halted, or failed.
func (m *PrometheusMetrics) IncRun(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// IncHalt counts one halted run by reason code.
func (m *PrometheusMetrics) IncHalt(reason string) {
	m.halts.WithLabelValues(reason).Inc()
}

// IncCheckpoint counts one appended checkpoint.
func (m *PrometheusMetrics) IncCheckpoint() {
	m.checkpoints.Inc()
}

// SetInflightBranches tracks concurrent fan-out branches.
func (m *PrometheusMetrics) SetInflightBranches(n int) {
	m.inflightBranches.Set(float64(n))
}
