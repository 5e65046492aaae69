package monitor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "relay"

// PerformanceMonitor 中继运行指标
// 同时维护 prometheus 指标和供 /stats 使用的原子计数
type PerformanceMonitor struct {
	registry *prometheus.Registry

	packets   *prometheus.CounterVec
	drops     *prometheus.CounterVec
	messages  *prometheus.CounterVec
	relayed   prometheus.Counter
	sessions  prometheus.Gauge
	opened    prometheus.Counter
	startTime time.Time

	totalPackets  atomic.Int64
	totalDropped  atomic.Int64
	totalRelayed  atomic.Int64
	totalSessions atomic.Int64
	activeSession atomic.Int64

	mu      sync.Mutex
	reasons map[string]int64
}

// NewPerformanceMonitor 创建监控器，指标注册在独立的 Registry 上
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		reasons:   make(map[string]int64),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received per transport.",
		}, []string{"transport"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped per transport and reason.",
		}, []string{"transport", "reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages handled per type.",
		}, []string{"type"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_relayed_total",
			Help:      "Datagrams forwarded to peers.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_sessions",
			Help:      "Open control sessions.",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_sessions_opened_total",
			Help:      "Control sessions opened since start.",
		}),
	}

	pm.registry.MustRegister(
		pm.packets, pm.drops, pm.messages, pm.relayed, pm.sessions, pm.opened,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pm
}

// Registry 指标注册表
func (pm *PerformanceMonitor) Registry() *prometheus.Registry {
	return pm.registry
}

// RegisterGauge 注册一个按需取值的仪表，用于房间数、端点数等外部状态
func (pm *PerformanceMonitor) RegisterGauge(name, help string, fn func() float64) error {
	return pm.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// PacketReceived 记录收到的包
func (pm *PerformanceMonitor) PacketReceived(transport string) {
	pm.totalPackets.Add(1)
	pm.packets.WithLabelValues(transport).Inc()
}

// PacketDropped 记录丢弃的包
func (pm *PerformanceMonitor) PacketDropped(transport, reason string) {
	pm.totalDropped.Add(1)
	pm.drops.WithLabelValues(transport, reason).Inc()

	pm.mu.Lock()
	pm.reasons[transport+"/"+reason]++
	pm.mu.Unlock()
}

// ControlMessage 记录控制消息
func (pm *PerformanceMonitor) ControlMessage(kind string) {
	pm.messages.WithLabelValues(kind).Inc()
}

// DatagramsRelayed 记录转发的数据报数量
func (pm *PerformanceMonitor) DatagramsRelayed(n int) {
	if n <= 0 {
		return
	}
	pm.totalRelayed.Add(int64(n))
	pm.relayed.Add(float64(n))
}

// SessionOpened 记录控制会话建立
func (pm *PerformanceMonitor) SessionOpened() {
	pm.totalSessions.Add(1)
	pm.activeSession.Add(1)
	pm.opened.Inc()
	pm.sessions.Inc()
}

// SessionClosed 记录控制会话关闭
func (pm *PerformanceMonitor) SessionClosed() {
	pm.activeSession.Add(-1)
	pm.sessions.Dec()
}

// GetStats 获取性能统计
func (pm *PerformanceMonitor) GetStats() map[string]any {
	uptime := time.Since(pm.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	packets := pm.totalPackets.Load()
	var pps float64
	if secs := uptime.Seconds(); secs > 0 {
		pps = float64(packets) / secs
	}

	return map[string]any{
		"packets_received":   packets,
		"packets_per_second": pps,
		"packets_dropped":    pm.totalDropped.Load(),
		"drop_reasons":       pm.dropReasons(),
		"datagrams_relayed":  pm.totalRelayed.Load(),
		"total_sessions":     pm.totalSessions.Load(),
		"active_sessions":    pm.activeSession.Load(),

		"uptime_seconds":  uptime.Seconds(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_alloc_mb": float64(m.Alloc) / 1024 / 1024,
		"memory_sys_mb":   float64(m.Sys) / 1024 / 1024,
		"gc_count":        m.NumGC,
		"cpu_count":       runtime.NumCPU(),
	}
}

// dropReasons 丢弃原因快照
func (pm *PerformanceMonitor) dropReasons() map[string]int64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make(map[string]int64, len(pm.reasons))
	for k, v := range pm.reasons {
		out[k] = v
	}
	return out
}
