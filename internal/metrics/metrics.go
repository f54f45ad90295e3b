package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector 会话客户端指标集合
type Collector struct {
	registry *prometheus.Registry

	signalRTT         prometheus.Gauge
	queuedRequests    prometheus.Gauge
	droppedSends      prometheus.Counter
	reconnectAttempts *prometheus.CounterVec
	sessionPhase      prometheus.Gauge
	dataBuffered      *prometheus.GaugeVec
}

// NewCollector 创建并注册客户端指标
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		signalRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bdrtc",
			Subsystem: "signal",
			Name:      "rtt_milliseconds",
			Help:      "Round trip time of the signaling keepalive",
		}),
		queuedRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bdrtc",
			Subsystem: "signal",
			Name:      "queued_requests",
			Help:      "Signal requests queued while reconnecting",
		}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bdrtc",
			Subsystem: "signal",
			Name:      "dropped_sends_total",
			Help:      "Signal requests dropped because the channel was not open",
		}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bdrtc",
			Subsystem: "engine",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by path (resume or restart)",
		}, []string{"path"}),
		sessionPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bdrtc",
			Subsystem: "engine",
			Name:      "session_phase",
			Help:      "Coarse session phase (0=new 1=connected 2=reconnecting 3=disconnected 4=closed)",
		}),
		dataBuffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bdrtc",
			Subsystem: "data",
			Name:      "channel_buffered_bytes",
			Help:      "Outgoing data channel buffered amount by kind",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		c.signalRTT,
		c.queuedRequests,
		c.droppedSends,
		c.reconnectAttempts,
		c.sessionPhase,
		c.dataBuffered,
	)

	return c
}

// Registry 返回底层注册表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveSignalRTT 记录信令往返时延
func (c *Collector) ObserveSignalRTT(ms int64) {
	c.signalRTT.Set(float64(ms))
}

// SetQueuedRequests 更新排队请求数量
func (c *Collector) SetQueuedRequests(n int) {
	c.queuedRequests.Set(float64(n))
}

// IncDroppedSend 记录一次被丢弃的发送
func (c *Collector) IncDroppedSend() {
	c.droppedSends.Inc()
}

// IncReconnectAttempt 记录一次重连尝试, path 为 resume 或 restart
func (c *Collector) IncReconnectAttempt(path string) {
	c.reconnectAttempts.WithLabelValues(path).Inc()
}

// SetSessionPhase 更新会话阶段
func (c *Collector) SetSessionPhase(phase int) {
	c.sessionPhase.Set(float64(phase))
}

// SetDataBuffered 更新数据通道缓冲量
func (c *Collector) SetDataBuffered(kind string, bytes uint64) {
	c.dataBuffered.WithLabelValues(kind).Set(float64(bytes))
}
