// ============================================================================
// Beaver-Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務處理指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - queue_tasks_submitted_total: 送入 worker pool 的任務數
//      - queue_tasks_claimed_total: 認領成功次數
//      - queue_tasks_completed_total: 完成次數
//      - queue_tasks_failed_total: handler 失敗次數
//      - queue_tasks_retried_total: 自動重新排隊次數
//
//   2. 性能指標 (Histogram)：
//      - queue_task_processing_duration_seconds: handler 執行時間
//
//   3. 狀態指標 (GaugeFunc)：
//      - queue_workers_active / queue_workers_idle / queue_dispatch_queued
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(queue_tasks_completed_total[1m])
//
//   # 95 分位 handler 執行時間
//   histogram_quantile(0.95, rate(queue_task_processing_duration_seconds_bucket[5m]))
//
//   # 重試比例
//   rate(queue_tasks_retried_total[5m]) / rate(queue_tasks_failed_total[5m])
//
// 註冊方式:
//   Registerer 由呼叫端注入，測試使用 prometheus.NewRegistry() 互相隔離。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksSubmitted prometheus.Counter
	tasksClaimed   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRetried   prometheus.Counter

	// 效能指標
	handlerDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewCollector 創建並註冊指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_tasks_submitted_total",
			Help: "Total number of task ids submitted to the worker pool",
		}),
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_tasks_claimed_total",
			Help: "Total number of successful claims",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_tasks_failed_total",
			Help: "Total number of handler failures",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_tasks_retried_total",
			Help: "Total number of automatic requeues after a failure",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_task_processing_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type", "outcome"}),
		reg: reg,
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksClaimed,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksRetried,
		c.handlerDuration,
	)
	return c
}

// RecordSubmitted 記錄任務送入 worker pool
func (c *Collector) RecordSubmitted() { c.tasksSubmitted.Inc() }

// RecordClaimed 記錄認領成功
func (c *Collector) RecordClaimed() { c.tasksClaimed.Inc() }

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted() { c.tasksCompleted.Inc() }

// RecordFailed 記錄 handler 失敗
func (c *Collector) RecordFailed() { c.tasksFailed.Inc() }

// RecordRetried 記錄自動重新排隊
func (c *Collector) RecordRetried() { c.tasksRetried.Inc() }

// ObserveHandler 記錄 handler 執行時間
func (c *Collector) ObserveHandler(taskType string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.handlerDuration.WithLabelValues(taskType, outcome).Observe(d.Seconds())
}

// WorkerGauges 註冊 worker 狀態的 GaugeFunc，數值在抓取時才計算
func (c *Collector) WorkerGauges(active, idle, queued func() float64) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "queue_workers_active",
			Help: "Workers currently executing a task",
		}, active),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "queue_workers_idle",
			Help: "Workers waiting for a task",
		}, idle),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "queue_dispatch_queued",
			Help: "Task ids waiting in the dispatch queue",
		}, queued),
	)
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
