// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 抓取时读取服务端与封禁表快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/raknet/internal/guard"
)

// =============================================================================
// Server 收集器
// =============================================================================

// ServerStats 服务端统计数据接口, 由 *transport.Server 实现
type ServerStats interface {
	GetActiveSessions() int
	GetMaxSessions() int
	GetTotalAccepted() uint64
	GetRejected() uint64
	GetPacketsIn() uint64
	GetPacketsOut() uint64
	GetBytesIn() uint64
	GetBytesOut() uint64
	GetDropped() uint64
}

// ServerCollector 服务端指标收集器
type ServerCollector struct {
	statsProvider ServerStats

	activeDesc     *prometheus.Desc
	maxDesc        *prometheus.Desc
	acceptedDesc   *prometheus.Desc
	rejectedDesc   *prometheus.Desc
	packetsInDesc  *prometheus.Desc
	packetsOutDesc *prometheus.Desc
	bytesInDesc    *prometheus.Desc
	bytesOutDesc   *prometheus.Desc
	droppedDesc    *prometheus.Desc
}

// NewServerCollector 创建服务端收集器
func NewServerCollector(provider ServerStats) *ServerCollector {
	subsystem := "server"

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}

	return &ServerCollector{
		statsProvider: provider,

		activeDesc:     desc("sessions", "Sessions holding a connection slot"),
		maxDesc:        desc("max_sessions", "Configured connection limit"),
		acceptedDesc:   desc("accepted_total", "Sessions accepted by the offline handshake"),
		rejectedDesc:   desc("rejected_total", "Handshakes rejected"),
		packetsInDesc:  desc("packets_received_total", "Datagrams read from the socket"),
		packetsOutDesc: desc("packets_sent_total", "Datagrams written to the socket"),
		bytesInDesc:    desc("bytes_received_total", "Bytes read from the socket"),
		bytesOutDesc:   desc("bytes_sent_total", "Bytes written to the socket"),
		droppedDesc:    desc("packets_dropped_total", "Datagrams dropped before reaching a shard"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ServerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeDesc
	ch <- c.maxDesc
	ch <- c.acceptedDesc
	ch <- c.rejectedDesc
	ch <- c.packetsInDesc
	ch <- c.packetsOutDesc
	ch <- c.bytesInDesc
	ch <- c.bytesOutDesc
	ch <- c.droppedDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ServerCollector) Collect(ch chan<- prometheus.Metric) {
	p := c.statsProvider
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(p.GetActiveSessions()))
	ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(p.GetMaxSessions()))
	ch <- prometheus.MustNewConstMetric(c.acceptedDesc, prometheus.CounterValue, float64(p.GetTotalAccepted()))
	ch <- prometheus.MustNewConstMetric(c.rejectedDesc, prometheus.CounterValue, float64(p.GetRejected()))
	ch <- prometheus.MustNewConstMetric(c.packetsInDesc, prometheus.CounterValue, float64(p.GetPacketsIn()))
	ch <- prometheus.MustNewConstMetric(c.packetsOutDesc, prometheus.CounterValue, float64(p.GetPacketsOut()))
	ch <- prometheus.MustNewConstMetric(c.bytesInDesc, prometheus.CounterValue, float64(p.GetBytesIn()))
	ch <- prometheus.MustNewConstMetric(c.bytesOutDesc, prometheus.CounterValue, float64(p.GetBytesOut()))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(p.GetDropped()))
}

// =============================================================================
// Blocklist 收集器
// =============================================================================

// BlocklistStats 封禁表统计接口, 由 *guard.Blocklist 实现
type BlocklistStats interface {
	Stats() guard.Stats
}

// BlocklistCollector 封禁表指标收集器
type BlocklistCollector struct {
	statsProvider BlocklistStats

	checksDesc    *prometheus.Desc
	blockedDesc   *prometheus.Desc
	bloomHitsDesc *prometheus.Desc
	addedDesc     *prometheus.Desc
	activeDesc    *prometheus.Desc
}

// NewBlocklistCollector 创建封禁表收集器
func NewBlocklistCollector(provider BlocklistStats) *BlocklistCollector {
	subsystem := "guard"

	return &BlocklistCollector{
		statsProvider: provider,

		checksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "checks_total"),
			"Addresses checked against the block list",
			nil, nil,
		),
		blockedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "blocked_total"),
			"Datagrams rejected by the block list",
			nil, nil,
		),
		bloomHitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bloom_hits_total"),
			"Bloom filter positives, including false positives",
			nil, nil,
		),
		addedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "added_total"),
			"Addresses added to the block list",
			nil, nil,
		),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_entries"),
			"Addresses currently blocked",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *BlocklistCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checksDesc
	ch <- c.blockedDesc
	ch <- c.bloomHitsDesc
	ch <- c.addedDesc
	ch <- c.activeDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *BlocklistCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.Stats()
	ch <- prometheus.MustNewConstMetric(c.checksDesc, prometheus.CounterValue, float64(stats.Checks))
	ch <- prometheus.MustNewConstMetric(c.blockedDesc, prometheus.CounterValue, float64(stats.Blocked))
	ch <- prometheus.MustNewConstMetric(c.bloomHitsDesc, prometheus.CounterValue, float64(stats.BloomHits))
	ch <- prometheus.MustNewConstMetric(c.addedDesc, prometheus.CounterValue, float64(stats.Added))
	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(stats.Active))
}
