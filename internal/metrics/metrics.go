// ============================================================================
// StreamSched Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集排程器、計時器與節點的運行指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 驅動迴圈 (Counter)：
//      - streamsched_loop_iterations_total{mode="busy|idle"}: 迭代次數，依結束後的等待方式分類
//      - streamsched_loop_wakeups_total: 由 Awake 喚醒停放迴圈的次數
//      - streamsched_node_process_total{node}: 每個節點 ProcessData 被呼叫次數
//
//   2. 計時器：
//      - streamsched_timers_started_total / fired_total / stopped_total (Counter)
//      - streamsched_timers_active (Gauge): 存活中的計時器
//
//   3. 狀態指標 (Gauge)：
//      - streamsched_registered_nodes: 已註冊節點數
//      - streamsched_node_queue_depth{node}: 節點佇列深度
//      - streamsched_node_dropped{node}: 節點累計丟棄單元數
//
//   4. 快照 (Histogram)：
//      - streamsched_snapshot_duration_seconds: 統計快照寫入耗時
//
// Prometheus 查詢示例:
//
//   # 忙碌輪詢比例
//   rate(streamsched_loop_iterations_total{mode="busy"}[1m])
//     / rate(streamsched_loop_iterations_total[1m])
//
//   # 佇列積壓
//   max by (node) (streamsched_node_queue_depth)
//
// Collector 同時實作 scheduler.Recorder 與 timer.Recorder。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamsched"

// Collector Prometheus 指標收集器
type Collector struct {
	// 驅動迴圈
	loopIterations *prometheus.CounterVec
	loopWakeups    prometheus.Counter
	nodeProcessed  *prometheus.CounterVec

	// 計時器
	timersStarted prometheus.Counter
	timersFired   prometheus.Counter
	timersStopped prometheus.Counter
	timersActive  prometheus.Gauge

	// 狀態
	registeredNodes prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	nodeDropped     *prometheus.GaugeVec

	snapshotDuration prometheus.Histogram
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用預設註冊表
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		loopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Drive loop iterations by the wait that followed (busy poll or idle park)",
		}, []string{"mode"}),
		loopWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_wakeups_total",
			Help:      "Times a parked drive loop was woken",
		}),
		nodeProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_process_total",
			Help:      "ProcessData calls made by the drive loop per node",
		}, []string{"node"}),
		timersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_started_total",
			Help:      "Timers started",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Timer callbacks invoked",
		}),
		timersStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_stopped_total",
			Help:      "Accepted timer stop requests",
		}),
		timersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_active",
			Help:      "Timers currently registered",
		}),
		registeredNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_nodes",
			Help:      "Nodes registered with the scheduler",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_queue_depth",
			Help:      "Pending units per node",
		}, []string{"node"}),
		nodeDropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_dropped",
			Help:      "Units dropped per node since start",
		}, []string{"node"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time taken to write a statistics snapshot",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.loopIterations,
		c.loopWakeups,
		c.nodeProcessed,
		c.timersStarted,
		c.timersFired,
		c.timersStopped,
		c.timersActive,
		c.registeredNodes,
		c.queueDepth,
		c.nodeDropped,
		c.snapshotDuration,
	)

	return c
}

// ============================================================================
// scheduler.Recorder
// ============================================================================

// LoopIteration 記錄一次驅動迴圈迭代
func (c *Collector) LoopIteration(busy bool) {
	mode := "idle"
	if busy {
		mode = "busy"
	}
	c.loopIterations.WithLabelValues(mode).Inc()
}

// LoopWakeup 記錄一次喚醒
func (c *Collector) LoopWakeup() {
	c.loopWakeups.Inc()
}

// NodeProcessed 記錄節點被處理
func (c *Collector) NodeProcessed(name string) {
	c.nodeProcessed.WithLabelValues(name).Inc()
}

// NodesRegistered 設置已註冊節點數
func (c *Collector) NodesRegistered(n int) {
	c.registeredNodes.Set(float64(n))
}

// ============================================================================
// timer.Recorder
// ============================================================================

func (c *Collector) TimerStarted() {
	c.timersStarted.Inc()
	c.timersActive.Inc()
}

func (c *Collector) TimerFired()    { c.timersFired.Inc() }
func (c *Collector) TimerStopped()  { c.timersStopped.Inc() }
func (c *Collector) TimerReleased() { c.timersActive.Dec() }

// ============================================================================
// 統計更新
// ============================================================================

// UpdateNodeStats 以節點統計更新佇列深度與丟棄數
func (c *Collector) UpdateNodeStats(nodes []types.NodeStats) {
	for _, n := range nodes {
		c.queueDepth.WithLabelValues(n.Name).Set(float64(n.Queued))
		c.nodeDropped.WithLabelValues(n.Name).Set(float64(n.Dropped))
	}
}

// ObserveSnapshot 記錄快照寫入耗時
func (c *Collector) ObserveSnapshot(seconds float64) {
	c.snapshotDuration.Observe(seconds)
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器；g 為 nil 時使用預設收集器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
