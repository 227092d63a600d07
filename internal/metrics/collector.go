package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus series the engine exports.
type Collector struct {
	// Task metrics
	tasksSubmittedTotal *prometheus.CounterVec
	tasksFinishedTotal  *prometheus.CounterVec
	taskRetriesTotal    *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	tasksInFlight       *prometheus.GaugeVec

	// Queue metrics
	queueDepth *prometheus.GaugeVec

	// Agent metrics
	agentsRegistered   prometheus.Gauge
	agentFailuresTotal *prometheus.CounterVec

	// Pipeline metrics
	pipelineRunsTotal    *prometheus.CounterVec
	pipelineNodeDuration *prometheus.HistogramVec
	pipelineNodeFailures *prometheus.CounterVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Alerting metrics
	alertsFiredTotal *prometheus.CounterVec

	// Database metrics
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector registering its series with reg. Pass
// prometheus.DefaultRegisterer in production; tests pass a fresh registry
// so repeated construction never collides.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Task metrics
	c.tasksSubmittedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks submitted",
		},
		[]string{"type", "priority"},
	)

	c.tasksFinishedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks reaching a terminal status",
		},
		[]string{"type", "status"},
	)

	c.taskRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retry re-submissions",
		},
		[]string{"type"},
	)

	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	c.tasksInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently executing per agent",
		},
		[]string{"agent_id"},
	)

	// Queue metrics
	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of pending tasks per priority",
		},
		[]string{"backend", "priority"},
	)

	// Agent metrics
	c.agentsRegistered = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_registered",
			Help:      "Number of currently registered agents",
		},
	)

	c.agentFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_failures_total",
			Help:      "Total number of agent failures detected by the monitor",
		},
		[]string{"agent_id"},
	)

	// Pipeline metrics
	c.pipelineRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs",
		},
		[]string{"pipeline_id", "status"},
	)

	c.pipelineNodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_node_duration_seconds",
			Help:      "Pipeline node execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pipeline_id", "node_id"},
	)

	c.pipelineNodeFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_node_failures_total",
			Help:      "Total number of failed pipeline nodes",
		},
		[]string{"pipeline_id", "node_id", "required"},
	)

	// Cache metrics
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Alerting metrics
	c.alertsFiredTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Total number of alerts fired",
		},
		[]string{"rule", "severity"},
	)

	// Database metrics
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordTaskSubmitted records a task accepted by the orchestrator.
func (c *Collector) RecordTaskSubmitted(taskType, priority string) {
	c.tasksSubmittedTotal.WithLabelValues(taskType, priority).Inc()
}

// RecordTaskFinished records a task reaching a terminal status.
func (c *Collector) RecordTaskFinished(taskType, status string, duration time.Duration) {
	c.tasksFinishedTotal.WithLabelValues(taskType, status).Inc()
	if duration > 0 {
		c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	}
}

// RecordTaskRetry records a retry re-submission.
func (c *Collector) RecordTaskRetry(taskType string) {
	c.taskRetriesTotal.WithLabelValues(taskType).Inc()
}

// TaskStarted adjusts the per-agent in-flight gauge upward.
func (c *Collector) TaskStarted(agentID string) {
	c.tasksInFlight.WithLabelValues(agentID).Inc()
}

// TaskEnded adjusts the per-agent in-flight gauge downward.
func (c *Collector) TaskEnded(agentID string) {
	c.tasksInFlight.WithLabelValues(agentID).Dec()
}

// SetQueueDepth records the pending task count for one priority.
func (c *Collector) SetQueueDepth(backend, priority string, depth int) {
	c.queueDepth.WithLabelValues(backend, priority).Set(float64(depth))
}

// SetAgentsRegistered records the current registry size.
func (c *Collector) SetAgentsRegistered(n int) {
	c.agentsRegistered.Set(float64(n))
}

// RecordAgentFailure records an agent declared failed by the monitor.
func (c *Collector) RecordAgentFailure(agentID string) {
	c.agentFailuresTotal.WithLabelValues(agentID).Inc()
}

// RecordPipelineRun records a finished pipeline run.
func (c *Collector) RecordPipelineRun(pipelineID, status string) {
	c.pipelineRunsTotal.WithLabelValues(pipelineID, status).Inc()
}

// RecordPipelineNode records one node execution.
func (c *Collector) RecordPipelineNode(pipelineID, nodeID string, duration time.Duration) {
	c.pipelineNodeDuration.WithLabelValues(pipelineID, nodeID).Observe(duration.Seconds())
}

// RecordPipelineNodeFailure records one failed node.
func (c *Collector) RecordPipelineNodeFailure(pipelineID, nodeID string, required bool) {
	req := "false"
	if required {
		req = "true"
	}
	c.pipelineNodeFailures.WithLabelValues(pipelineID, nodeID, req).Inc()
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordAlertFired records an alert rule firing.
func (c *Collector) RecordAlertFired(rule, severity string) {
	c.alertsFiredTotal.WithLabelValues(rule, severity).Inc()
}

// RecordDBConnections records pool occupancy.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one query duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
