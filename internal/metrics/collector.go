// Package metrics exposes Prometheus instrumentation for the workflow
// engine: run lifecycle counters, node execution counters, and latency
// histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus collectors. A nil *Collector is
// valid and records nothing, so instrumentation stays optional.
type Collector struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	compileIssues prometheus.Counter
}

// NewCollector registers the engine collectors against the given registerer.
// Tests pass their own prometheus.NewRegistry() to avoid duplicate
// registration on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "runs_started_total",
			Help:      "Total number of runs started, by agent.",
		}, []string{"agent_id"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "runs_finished_total",
			Help:      "Total number of runs reaching a terminal or paused state, by agent and status.",
		}, []string{"agent_id", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock run duration from start to terminal state.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"agent_id", "status"}),
		nodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "node_executions_total",
			Help:      "Total node executions, by node type and outcome.",
		}, []string{"node_type", "outcome"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "node_duration_seconds",
			Help:      "Single node execution latency.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"node_type"}),
		compileIssues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "compile_failures_total",
			Help:      "Total graph compilations rejected with validation issues.",
		}),
	}
}

// RunStarted records a run entering the running state.
func (c *Collector) RunStarted(agentID string) {
	if c == nil {
		return
	}
	c.runsStarted.WithLabelValues(agentID).Inc()
}

// RunFinished records a run leaving the step loop with the given status.
func (c *Collector) RunFinished(agentID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(agentID, status).Inc()
	c.runDuration.WithLabelValues(agentID, status).Observe(duration.Seconds())
}

// NodeExecuted records one node execution with its outcome
// (ok, suspended, or error).
func (c *Collector) NodeExecuted(nodeType, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodesExecuted.WithLabelValues(nodeType, outcome).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// CompileFailed records a compilation rejected by the validator.
func (c *Collector) CompileFailed() {
	if c == nil {
		return
	}
	c.compileIssues.Inc()
}
