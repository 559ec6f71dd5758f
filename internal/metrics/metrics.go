// ============================================================================
// looprail Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 把運行時 observer 回呼轉換為 Prometheus 指標
//
// 指標分類:
//
//   1. TaskLoop 指標 (label: loop)：
//      - looprail_tasks_executed_total: 已執行任務總數
//      - looprail_tasks_panicked_total: panic 任務總數
//      - looprail_tasks_retried_total: 要求重試的任務總數
//      - looprail_loop_weight: 當前綁定權重 (Gauge)
//      - looprail_loops_started_total / _stopped_total / _swept_total
//      - looprail_assignments_total: 分配次數 (label: tier)
//
//   2. Timer 指標：
//      - looprail_timer_dispatched_total: 已分派的延遲任務總數
//      - looprail_timer_pending: 尚未到期的任務數 (Gauge)
//
//   3. Dispatcher 指標 (label: dispatcher)：
//      - looprail_events_executed_total
//      - looprail_events_panicked_total
//      - looprail_events_retried_total
//      - looprail_dispatcher_delayed: 延遲堆大小 (Gauge)
//      - looprail_dispatchers_swept_total
//
//   4. Pipeline 指標：
//      - looprail_pipeline_thread_hops_total: 跨 Loop 跳轉次數
//      - looprail_pipeline_stage_panics_total: stage panic 次數
//      - looprail_pipeline_messages_dropped_total: 下一個 Loop 已關閉而丟棄的訊息
//
//   5. Engine 狀態 (由 stats loop 更新)：
//      - looprail_loops_pooled, looprail_connections, looprail_uptime_seconds
//
// 使用場景:
//
//   容量規劃:
//   - assignments_total{tier="grow"} 比例上升 → threshold 可能太小
//   - loop_weight 分佈不均 → 檢查 Selection 權重
//
//   故障排查:
//   - tasks_panicked_total 突增 → 檢查 stage 業務邏輯
//   - loops_swept_total 增長 → Loop goroutine 異常退出
//   - timer_pending 持續增長 → 延遲任務堆積
//
// Prometheus 查詢示例:
//
//   # 每個 Loop 每秒執行任務數
//   rate(looprail_tasks_executed_total[1m])
//
//   # 需要擴展池的分配比例
//   rate(looprail_assignments_total{tier="grow"}[5m]) / rate(looprail_assignments_total[5m])
//
//   # 跨 Loop 流量
//   rate(looprail_pipeline_thread_hops_total[1m])
//
// 由 NewServer 暴露於 /metrics，預設端口 9090。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/looprail/internal/engine"
	"github.com/ChuLiYu/looprail/internal/loop"
)

const namespace = "looprail"

// Collector Prometheus collector implementing engine.Observer
type Collector struct {
	// task loops
	tasksExecuted *prometheus.CounterVec
	tasksPanicked *prometheus.CounterVec
	tasksRetried  *prometheus.CounterVec
	loopWeight    *prometheus.GaugeVec
	loopsStarted  prometheus.Counter
	loopsStopped  prometheus.Counter
	loopsSwept    prometheus.Counter
	assignments   *prometheus.CounterVec

	// timer
	timerDispatched prometheus.Counter
	timerPending    prometheus.Gauge

	// dispatchers
	eventsExecuted   *prometheus.CounterVec
	eventsPanicked   *prometheus.CounterVec
	eventsRetried    *prometheus.CounterVec
	delayed          *prometheus.GaugeVec
	dispatchersSwept prometheus.Counter

	// pipelines
	threadHops     prometheus.Counter
	stagePanics    prometheus.Counter
	messageDropped prometheus.Counter

	// engine
	loopsPooled prometheus.Gauge
	connections prometheus.Gauge
	uptime      prometheus.Gauge
}

var _ engine.Observer = (*Collector)(nil)

// NewCollector creates a collector and registers it on reg, the default
// registerer when nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	c := &Collector{
		tasksExecuted: counterVec("tasks_executed_total", "Tasks run by a task loop", "loop"),
		tasksPanicked: counterVec("tasks_panicked_total", "Tasks that panicked", "loop"),
		tasksRetried:  counterVec("tasks_retried_total", "Tasks that asked to run again", "loop"),
		loopWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_weight",
			Help:      "Summed weight of selections bound to a task loop",
		}, []string{"loop"}),
		loopsStarted: counter("loops_started_total", "Task loop goroutines started"),
		loopsStopped: counter("loops_stopped_total", "Task loop goroutines exited"),
		loopsSwept:   counter("loops_swept_total", "Dead task loops removed from their group"),
		assignments:  counterVec("assignments_total", "Selection assignments by tier", "tier"),

		timerDispatched: counter("timer_dispatched_total", "Delayed tasks handed to their loop"),
		timerPending:    gauge("timer_pending", "Delayed tasks waiting in the timer"),

		eventsExecuted: counterVec("events_executed_total", "Events run by a dispatcher", "dispatcher"),
		eventsPanicked: counterVec("events_panicked_total", "Events that panicked", "dispatcher"),
		eventsRetried:  counterVec("events_retried_total", "Events that asked to run again", "dispatcher"),
		delayed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_delayed",
			Help:      "Events waiting in a dispatcher's delay heap",
		}, []string{"dispatcher"}),
		dispatchersSwept: counter("dispatchers_swept_total", "Dead dispatchers replaced"),

		threadHops:     counter("pipeline_thread_hops_total", "Pipeline steps that crossed task loops"),
		stagePanics:    counter("pipeline_stage_panics_total", "Pipeline stages that panicked"),
		messageDropped: counter("pipeline_messages_dropped_total", "Messages dropped because the next loop was closed"),

		loopsPooled: gauge("loops_pooled", "Task loops in the group"),
		connections: gauge("connections", "Open connections"),
		uptime:      gauge("uptime_seconds", "Time since the engine started"),
	}

	reg.MustRegister(
		c.tasksExecuted, c.tasksPanicked, c.tasksRetried, c.loopWeight,
		c.loopsStarted, c.loopsStopped, c.loopsSwept, c.assignments,
		c.timerDispatched, c.timerPending,
		c.eventsExecuted, c.eventsPanicked, c.eventsRetried, c.delayed, c.dispatchersSwept,
		c.threadHops, c.stagePanics, c.messageDropped,
		c.loopsPooled, c.connections, c.uptime,
	)
	return c
}

func (c *Collector) TaskExecuted(l string) { c.tasksExecuted.WithLabelValues(l).Inc() }
func (c *Collector) TaskPanicked(l string) { c.tasksPanicked.WithLabelValues(l).Inc() }
func (c *Collector) TaskRetried(l string)  { c.tasksRetried.WithLabelValues(l).Inc() }
func (c *Collector) LoopStarted(string)    { c.loopsStarted.Inc() }
func (c *Collector) LoopSwept(string)      { c.loopsSwept.Inc() }

// LoopStopped counts the exit and drops the loop's weight series.
func (c *Collector) LoopStopped(l string) {
	c.loopsStopped.Inc()
	c.loopWeight.DeleteLabelValues(l)
}

func (c *Collector) WeightChanged(l string, w int64) {
	c.loopWeight.WithLabelValues(l).Set(float64(w))
}

func (c *Collector) Assigned(tier loop.Tier) {
	c.assignments.WithLabelValues(string(tier)).Inc()
}

func (c *Collector) TimerDispatched()   { c.timerDispatched.Inc() }
func (c *Collector) TimerPending(n int) { c.timerPending.Set(float64(n)) }

func (c *Collector) EventExecuted(d string) { c.eventsExecuted.WithLabelValues(d).Inc() }
func (c *Collector) EventPanicked(d string) { c.eventsPanicked.WithLabelValues(d).Inc() }
func (c *Collector) EventRetried(d string)  { c.eventsRetried.WithLabelValues(d).Inc() }
func (c *Collector) DispatcherSwept(string) { c.dispatchersSwept.Inc() }

func (c *Collector) DelayedPending(d string, n int) {
	c.delayed.WithLabelValues(d).Set(float64(n))
}

func (c *Collector) ThreadHop(string)             { c.threadHops.Inc() }
func (c *Collector) StagePanicked(string, string) { c.stagePanics.Inc() }
func (c *Collector) MessageDropped(string)        { c.messageDropped.Inc() }

// EngineStats refreshes the engine gauges.
func (c *Collector) EngineStats(s engine.Stats) {
	c.loopsPooled.Set(float64(s.Loops))
	c.connections.Set(float64(s.Connections))
	c.uptime.Set(s.Uptime.Seconds())
	c.timerPending.Set(float64(s.TimerPending))
}

// NewServer returns an HTTP server exposing g at /metrics on port.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
