// ============================================================================
// Arbor Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露編排器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - arbor_jobs_spawned_total{depth}: 各深度派生的任務總數
//      - arbor_jobs_finished_total{state}: 各終態的任務總數
//      - arbor_spawn_rejections_total{limit}: 各限制類別的拒絕總數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - arbor_job_duration_seconds: 任務執行時長分佈
//        * 桶分佈: 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - arbor_jobs_active{depth}: 各深度已獲准且尚未終結的任務數，
//        與遞迴帳本的即時額度一一對應
//
// 使用場景:
//
//   監控告警:
//   - arbor_spawn_rejections_total 增長率 → 額度設定過緊或遞迴失控
//   - arbor_jobs_finished_total{state="timed_out"} → worker 超時激增
//   - arbor_jobs_active 貼近並行上限 → 擴大額度或削減派生
//
//   Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(arbor_jobs_finished_total{state="completed"}[1m])
//
//   # 95 分位任務時長
//   histogram_quantile(0.95, arbor_job_duration_seconds_bucket)
//
//   # 失敗率
//   rate(arbor_jobs_finished_total{state="failed"}[5m])
//     / rate(arbor_jobs_spawned_total[5m])
//
// 註冊方式:
//   每個 Collector 持有獨立的 Registry，經 Handler() 暴露為 HTTP 端點。
//   不使用行程全域的 DefaultRegisterer，多個編排器實例（含測試）
//   可以並存而不會觸發重複註冊 panic。
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krizzo101/arbor/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsSpawned     *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	spawnRejections *prometheus.CounterVec

	// 效能與狀態指標
	jobDuration prometheus.Histogram
	jobsActive  *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器（含獨立 Registry）
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_jobs_spawned_total",
			Help: "Total number of jobs admitted and created, by tree depth",
		}, []string{"depth"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state, by state",
		}, []string{"state"}),
		spawnRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_spawn_rejections_total",
			Help: "Total number of spawn requests rejected by the recursion ledger, by limit kind",
		}, []string{"limit"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbor_job_duration_seconds",
			Help:    "Wall-clock job execution time from started to finished in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbor_jobs_active",
			Help: "Jobs admitted and not yet terminal, by tree depth",
		}, []string{"depth"}),
	}

	c.registry.MustRegister(
		c.jobsSpawned,
		c.jobsFinished,
		c.spawnRejections,
		c.jobDuration,
		c.jobsActive,
	)

	return c
}

// RecordSpawned 記錄任務派生
func (c *Collector) RecordSpawned(depth int) {
	d := strconv.Itoa(depth)
	c.jobsSpawned.WithLabelValues(d).Inc()
	c.jobsActive.WithLabelValues(d).Inc()
}

// RecordFinished 記錄任務終結
func (c *Collector) RecordFinished(state types.JobState, depth int, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(string(state)).Inc()
	c.jobsActive.WithLabelValues(strconv.Itoa(depth)).Dec()
	c.jobDuration.Observe(elapsed.Seconds())
}

// RecordRejection 記錄帳本拒絕
func (c *Collector) RecordRejection(kind string) {
	c.spawnRejections.WithLabelValues(kind).Inc()
}

// Handler 回傳暴露本收集器指標的 HTTP handler（/metrics 端點用）
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
