// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 workflow.Recorder
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 调度指标
	schedulerRounds        *prometheus.CounterVec
	schedulerRoundDuration *prometheus.HistogramVec
	watchdogTrips          prometheus.Counter
	stepTransitions        *prometheus.CounterVec
	runsFinished           *prometheus.CounterVec

	// 执行与审批指标
	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  *prometheus.HistogramVec
	approvalDecisions *prometheus.CounterVec

	// 队列指标
	queueJobsTotal *prometheus.CounterVec

	// 幂等键
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

var _ workflow.Recorder = (*Collector)(nil)

// NewCollector 在 reg 上注册全部指标；reg 为 nil 时使用默认 Registerer
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 调度指标
	c.schedulerRounds = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_rounds_total",
			Help:      "Total number of scheduler rounds by outcome",
		},
		[]string{"outcome"},
	)

	c.schedulerRoundDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_round_duration_seconds",
			Help:      "Scheduler round duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"outcome"},
	)

	c.watchdogTrips = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_watchdog_trips_total",
			Help:      "Total number of runs stopped by the round watchdog",
		},
	)

	c.stepTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_transitions_total",
			Help:      "Total number of step state transitions by target state",
		},
		[]string{"to_state"},
	)

	c.runsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of runs that reached a terminal state",
		},
		[]string{"state"},
	)

	// 执行与审批指标
	c.toolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of connector invocations",
		},
		[]string{"connector", "status"},
	)

	c.toolCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Connector invocation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"connector"},
	)

	c.approvalDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Total number of approval decisions",
		},
		[]string{"status"},
	)

	// 队列指标
	c.queueJobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Total number of queued step jobs by outcome",
		},
		[]string{"outcome"},
	)

	// 幂等键
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

	// 数据库指标
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

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔄 workflow.Recorder
// =============================================================================

// RecordRound 记录一轮调度
func (c *Collector) RecordRound(outcome string, duration time.Duration) {
	c.schedulerRounds.WithLabelValues(outcome).Inc()
	c.schedulerRoundDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStepTransition 记录步骤状态转换
func (c *Collector) RecordStepTransition(to workflow.StepState) {
	c.stepTransitions.WithLabelValues(string(to)).Inc()
}

// RecordToolCall 记录一次连接器调用
func (c *Collector) RecordToolCall(connector string, status workflow.ToolCallStatus, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(connector, string(status)).Inc()
	c.toolCallDuration.WithLabelValues(connector).Observe(duration.Seconds())
}

// RecordApprovalDecision 记录审批结果
func (c *Collector) RecordApprovalDecision(status workflow.ApprovalStatus) {
	c.approvalDecisions.WithLabelValues(string(status)).Inc()
}

// RecordWatchdogTrip 记录看门狗触发
func (c *Collector) RecordWatchdogTrip() {
	c.watchdogTrips.Inc()
}

// RecordRunFinished 记录运行结束
func (c *Collector) RecordRunFinished(state workflow.RunState) {
	c.runsFinished.WithLabelValues(string(state)).Inc()
}

// =============================================================================
// 📬 队列 / 缓存 / 数据库
// =============================================================================

// RecordQueueJob outcome: enqueued, completed, failed, timeout (派发端); executed, rejected (worker)
func (c *Collector) RecordQueueJob(outcome string) {
	c.queueJobsTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归类
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return strconv.Itoa(code)
	}
}
