// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// =============================================================================
// Collector
// =============================================================================

// Collector records scheduler, workflow and checkpoint metrics. It satisfies
// scheduler.Recorder, workflow.Recorder and checkpoint.Recorder.
type Collector struct {
	// Scheduler
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	batchesTotal prometheus.Counter
	batchSize    prometheus.Histogram

	// Workflow
	nodesTotal      *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	workflowRuns    *prometheus.CounterVec
	workflowRunTime prometheus.Histogram

	// Checkpoints
	checkpointsTotal   *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector registers the metrics on registry, or on a fresh registry
// when nil. Process and Go runtime collectors are added as well.
func NewCollector(namespace string, registry *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)
	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of executed tasks by worker and outcome",
		},
		[]string{"worker", "outcome"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task duration in seconds, retries included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"worker"},
	)

	c.batchesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of executed batches",
		},
	)

	c.batchSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of tasks per batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_nodes_total",
			Help:      "Total number of workflow node executions by kind and status",
		},
		[]string{"kind", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_node_duration_seconds",
			Help:      "Workflow node duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	c.workflowRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by final status",
		},
		[]string{"status"},
	)

	c.workflowRunTime = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	c.checkpointsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint writes by backend and result",
		},
		[]string{"backend", "result"},
	)

	c.checkpointDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Checkpoint write duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordTask records one finished task.
func (c *Collector) RecordTask(worker string, outcome types.Outcome, duration time.Duration) {
	if worker == "" {
		worker = "none"
	}
	c.tasksTotal.WithLabelValues(worker, string(outcome)).Inc()
	c.taskDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordBatch records one finished batch.
func (c *Collector) RecordBatch(size int, _ time.Duration) {
	c.batchesTotal.Inc()
	c.batchSize.Observe(float64(size))
}

// RecordNode records one workflow node execution.
func (c *Collector) RecordNode(kind, status string, duration time.Duration) {
	c.nodesTotal.WithLabelValues(kind, status).Inc()
	c.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordWorkflow records one finished workflow run.
func (c *Collector) RecordWorkflow(status string, duration time.Duration) {
	c.workflowRuns.WithLabelValues(status).Inc()
	c.workflowRunTime.Observe(duration.Seconds())
}

// RecordCheckpoint records one checkpoint write.
func (c *Collector) RecordCheckpoint(backend, result string, duration time.Duration) {
	c.checkpointsTotal.WithLabelValues(backend, result).Inc()
	c.checkpointDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
