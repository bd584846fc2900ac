// ============================================================================
// Metrics - Prometheus 監控指標
// ============================================================================
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - dispatch_dispatches_started_total: 開始執行的 dispatch 數
//      - dispatch_dispatches_finished_total{status}: 結束的 dispatch 數（依最終狀態）
//      - dispatch_nodes_submitted_total{executor}: 交給 runner 的節點數（依 executor kind）
//      - dispatch_nodes_finished_total{status}: 到達終止狀態的節點數
//
//   2. 分佈 (Histogram)：
//      - dispatch_node_latency_seconds: 單一節點從 RUNNING 到終止的時間
//      - dispatch_duration_seconds: 整個 dispatch 的執行時間
//
//   3. 瞬時值 (Gauge)：
//      - dispatch_active_dispatches: 目前執行中的事件迴圈數
//      - dispatch_recovery_time_seconds: 最近一次 store 恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的節點
//   rate(dispatch_nodes_finished_total{status="COMPLETED"}[1m])
//
//   # 95 分位節點延遲
//   histogram_quantile(0.95, dispatch_node_latency_seconds_bucket)
//
// 所有方法都允許 nil receiver，未啟用監控時可以直接傳 nil
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch"

// Collector Prometheus 指標收集器
type Collector struct {
	dispatchesStarted  prometheus.Counter
	dispatchesFinished *prometheus.CounterVec
	nodesSubmitted     *prometheus.CounterVec
	nodesFinished      *prometheus.CounterVec

	nodeLatency      prometheus.Histogram
	dispatchDuration prometheus.Histogram

	activeDispatches prometheus.Gauge
	recoveryTime     prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用 DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		dispatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_started_total",
			Help:      "Total number of dispatch loops started",
		}),
		dispatchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_finished_total",
			Help:      "Total number of dispatches finished, by final status",
		}, []string{"status"}),
		nodesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_submitted_total",
			Help:      "Total number of nodes handed to a runner, by executor kind",
		}, []string{"executor"}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_finished_total",
			Help:      "Total number of nodes reaching a terminal status",
		}, []string{"status"}),
		nodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_latency_seconds",
			Help:      "Node execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Dispatch wall-clock duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		activeDispatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dispatches",
			Help:      "Current number of running dispatch loops",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to recover the store on startup in seconds",
		}),
	}

	reg.MustRegister(
		c.dispatchesStarted,
		c.dispatchesFinished,
		c.nodesSubmitted,
		c.nodesFinished,
		c.nodeLatency,
		c.dispatchDuration,
		c.activeDispatches,
		c.recoveryTime,
	)
	return c
}

// DispatchStarted 記錄事件迴圈啟動
func (c *Collector) DispatchStarted() {
	if c == nil {
		return
	}
	c.dispatchesStarted.Inc()
	c.activeDispatches.Inc()
}

// DispatchFinished 記錄事件迴圈結束與最終狀態
func (c *Collector) DispatchFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatchesFinished.WithLabelValues(status).Inc()
	c.dispatchDuration.Observe(d.Seconds())
	c.activeDispatches.Dec()
}

// NodeSubmitted 記錄節點交給 runner
func (c *Collector) NodeSubmitted(executor string) {
	if c == nil {
		return
	}
	c.nodesSubmitted.WithLabelValues(executor).Inc()
}

// NodeFinished 記錄節點終止
func (c *Collector) NodeFinished(status string, latency time.Duration) {
	if c == nil {
		return
	}
	c.nodesFinished.WithLabelValues(status).Inc()
	c.nodeLatency.Observe(latency.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// StartServer 啟動 /metrics HTTP 伺服器，ctx 結束時關閉
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
