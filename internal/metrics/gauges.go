// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标 (Counter/Gauge/Histogram), 实现 transport.Observer
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/raknet/internal/transport"
)

const namespace = "raknet"

// TransportMetrics 传输层指标集合
type TransportMetrics struct {
	// 会话相关
	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionLifetime prometheus.Histogram
	Handshakes      *prometheus.CounterVec

	// 流量相关
	Datagrams *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Drops     *prometheus.CounterVec

	// 可靠性相关
	Retransmits *prometheus.CounterVec
	AckRecords  *prometheus.CounterVec
	RTT         prometheus.Histogram
}

var _ transport.Observer = (*TransportMetrics)(nil)

// NewTransportMetrics 创建指标集合并注册到 registry
func NewTransportMetrics(registry prometheus.Registerer) *TransportMetrics {
	m := &TransportMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently open, including handshaking ones",
		}),

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions opened",
		}),

		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed by reason",
		}, []string{"reason"}),

		SessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Session lifetime from creation to close",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		}),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Offline handshake outcomes",
		}, []string{"result"}),

		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Total datagrams processed",
		}, []string{"direction"}),

		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total datagram bytes",
		}, []string{"direction"}),

		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Datagrams or frames dropped by reason",
		}, []string{"reason"}),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "retransmits_total",
			Help:      "Total datagram retransmissions by cause",
		}, []string{"cause"}),

		AckRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "ack_records_total",
			Help:      "ACK and NACK range records sent",
		}, []string{"kind"}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "rtt_seconds",
			Help:      "Round trip time samples",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	registry.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.SessionsClosed,
		m.SessionLifetime,
		m.Handshakes,
		m.Datagrams,
		m.Bytes,
		m.Drops,
		m.Retransmits,
		m.AckRecords,
		m.RTT,
	)

	return m
}

// SessionOpened 会话创建
func (m *TransportMetrics) SessionOpened() {
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed 会话结束
func (m *TransportMetrics) SessionClosed(reason transport.DisconnectReason, lifetime time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabelValues(reason.String()).Inc()
	m.SessionLifetime.Observe(lifetime.Seconds())
}

// HandshakeResult 记录握手结果
func (m *TransportMetrics) HandshakeResult(result string) {
	m.Handshakes.WithLabelValues(result).Inc()
}

// DatagramSent 记录发送
func (m *TransportMetrics) DatagramSent(bytes int) {
	m.Datagrams.WithLabelValues("out").Inc()
	m.Bytes.WithLabelValues("out").Add(float64(bytes))
}

// DatagramReceived 记录接收
func (m *TransportMetrics) DatagramReceived(bytes int) {
	m.Datagrams.WithLabelValues("in").Inc()
	m.Bytes.WithLabelValues("in").Add(float64(bytes))
}

// Retransmit 记录重传
func (m *TransportMetrics) Retransmit(cause string) {
	m.Retransmits.WithLabelValues(cause).Inc()
}

func (m *TransportMetrics) AckSent(records int) {
	m.AckRecords.WithLabelValues("ack").Add(float64(records))
}

func (m *TransportMetrics) NakSent(records int) {
	m.AckRecords.WithLabelValues("nak").Add(float64(records))
}

// RTTSample 记录 RTT 采样
func (m *TransportMetrics) RTTSample(rtt time.Duration) {
	m.RTT.Observe(rtt.Seconds())
}

// Dropped 记录丢弃
func (m *TransportMetrics) Dropped(reason string) {
	m.Drops.WithLabelValues(reason).Inc()
}
