// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 会话指标
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec

	// Worker 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runRetries  prometheus.Counter

	// 质量门禁指标
	qualityDecisions *prometheus.CounterVec

	// 知识图谱学习回路指标
	patternsStored    prometheus.Counter
	patternsRetrieved prometheus.Histogram
	degradedLearning  prometheus.Counter

	// 报告指标
	reportFindings  prometheus.Histogram
	reportConflicts prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器并向给定 registerer 注册全部指标。
// registerer 为 nil 时使用 prometheus 默认注册表。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 会话指标
	c.sessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of analysis sessions by terminal status",
		},
		[]string{"status"},
	)

	c.sessionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "End-to-end session duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	// Worker 运行指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_runs_total",
			Help:      "Total number of worker runs by worker and terminal status",
		},
		[]string{"worker", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_run_duration_seconds",
			Help:      "Worker run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	c.runRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_run_retries_total",
			Help:      "Total number of worker invocation retries",
		},
	)

	// 质量门禁指标
	c.qualityDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_decisions_total",
			Help:      "Quality gate decisions by outcome",
		},
		[]string{"decision"},
	)

	// 学习回路指标
	c.patternsStored = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_patterns_stored_total",
			Help:      "Total number of patterns written to the knowledge graph",
		},
	)

	c.patternsRetrieved = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "knowledge_patterns_retrieved",
			Help:      "Patterns matched per retrieval",
			Buckets:   prometheus.LinearBuckets(0, 2, 11),
		},
	)

	c.degradedLearning = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_learning_events_total",
			Help:      "Knowledge store failures absorbed by graceful degradation",
		},
	)

	// 报告指标
	c.reportFindings = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_findings",
			Help:      "Findings per synthesized report",
			Buckets:   prometheus.LinearBuckets(0, 5, 11),
		},
	)

	c.reportConflicts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_conflicts_total",
			Help:      "Unresolved recommendation conflicts surfaced in reports",
		},
	)

	return c
}

// RecordSession 记录会话终态与耗时
func (c *Collector) RecordSession(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(status).Inc()
	c.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRun 记录一次 Worker 运行
func (c *Collector) RecordRun(worker, status string, duration time.Duration, retries int) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(worker, status).Inc()
	c.runDuration.WithLabelValues(worker).Observe(duration.Seconds())
	if retries > 0 {
		c.runRetries.Add(float64(retries))
	}
}

// RecordQualityDecision 记录质量门禁判定
func (c *Collector) RecordQualityDecision(decision string) {
	if c == nil {
		return
	}
	c.qualityDecisions.WithLabelValues(decision).Inc()
}

// RecordRetrieval 记录一次知识图谱检索
func (c *Collector) RecordRetrieval(matched int) {
	if c == nil {
		return
	}
	c.patternsRetrieved.Observe(float64(matched))
}

// RecordPatternsStored 记录写入的模式数
func (c *Collector) RecordPatternsStored(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.patternsStored.Add(float64(count))
}

// RecordDegradedLearning 记录一次降级学习事件
func (c *Collector) RecordDegradedLearning() {
	if c == nil {
		return
	}
	c.degradedLearning.Inc()
}

// RecordReport 记录合成报告的规模
func (c *Collector) RecordReport(findings, conflicts int) {
	if c == nil {
		return
	}
	c.reportFindings.Observe(float64(findings))
	if conflicts > 0 {
		c.reportConflicts.Add(float64(conflicts))
	}
}
