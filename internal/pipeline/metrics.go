package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"threatdelta/internal/logger"
	"threatdelta/internal/publish"
	"threatdelta/pkg/models"
)

// Metrics collects per-run counters on a private registry. The binary
// is a one-shot batch job, so metrics are pushed to a Pushgateway after
// the run instead of being scraped.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	changesTotal    *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	nodesScored     prometheus.Gauge
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatdelta_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatdelta_run_duration_seconds",
			Help:    "Wall-clock duration of a full pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		changesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatdelta_changes_total",
			Help: "Change records emitted, by reason.",
		}, []string{"reason"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatdelta_publish_failures_total",
			Help: "Publication write failures, by artifact.",
		}, []string{"artifact"}),
		nodesScored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatdelta_nodes_scored",
			Help: "Nodes scored in the last run.",
		}),
	}

	reg.MustRegister(m.runsTotal, m.runDuration, m.changesTotal, m.publishFailures, m.nodesScored)
	return m
}

// ObserveRun records the outcome and duration of a run.
func (m *Metrics) ObserveRun(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// AddChanges counts emitted change records by reason.
func (m *Metrics) AddChanges(changes []*models.ChangeRecord) {
	if m == nil {
		return
	}
	for _, c := range changes {
		m.changesTotal.WithLabelValues(c.Reason).Inc()
	}
}

// RecordPublishFailure counts a failed publication write.
func (m *Metrics) RecordPublishFailure(artifact publish.Artifact) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(string(artifact)).Inc()
}

// SetNodesScored records the size of the last scored set.
func (m *Metrics) SetNodesScored(n int) {
	if m == nil {
		return
	}
	m.nodesScored.Set(float64(n))
}

// Push sends the registry to a Pushgateway. A push failure is logged and
// swallowed: losing a metrics sample must not fail the run.
func (m *Metrics) Push(url, job string) {
	if m == nil || url == "" {
		return
	}
	if job == "" {
		job = "threatdelta"
	}
	if err := push.New(url, job).Gatherer(m.registry).Push(); err != nil {
		logger.Warnf("Failed to push metrics to %s: %v", url, err)
	}
}
