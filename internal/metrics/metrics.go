// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 健康状态汇总 - 根据服务端与封禁表快照生成 HealthStatus
// =============================================================================
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// degradedRatio 会话占用超过该比例时报告 degraded
const degradedRatio = 0.9

// HealthReporter 健康状态汇总器
type HealthReporter struct {
	version   string
	startTime time.Time

	server    ServerStats
	blocklist BlocklistStats

	mu      sync.RWMutex
	stopped bool
}

// NewHealthReporter 创建汇总器, blocklist 可为 nil
func NewHealthReporter(version string, server ServerStats, blocklist BlocklistStats) *HealthReporter {
	return &HealthReporter{
		version:   version,
		startTime: time.Now(),
		server:    server,
		blocklist: blocklist,
	}
}

// MarkStopped 服务端关闭后健康检查返回 unhealthy
func (h *HealthReporter) MarkStopped() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

// GetUptime 获取运行时长
func (h *HealthReporter) GetUptime() time.Duration {
	return time.Since(h.startTime)
}

// Check 生成健康状态, 可直接传给 MetricsServer.SetHealthCheck
func (h *HealthReporter) Check() HealthStatus {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     h.GetUptime().Round(time.Second).String(),
		Components: make(map[string]ComponentHealth),
	}

	transport := ComponentHealth{Status: StatusHealthy}
	if stopped {
		transport = ComponentHealth{Status: StatusUnhealthy, Message: "已停止"}
		status.Status = StatusUnhealthy
	} else if h.server != nil {
		active, max := h.server.GetActiveSessions(), h.server.GetMaxSessions()
		transport.Message = fmt.Sprintf("%d/%d sessions", active, max)
		if max > 0 && float64(active) >= float64(max)*degradedRatio {
			transport.Status = StatusDegraded
			status.Status = StatusDegraded
		}
	}
	status.Components["transport"] = transport

	if h.blocklist != nil {
		stats := h.blocklist.Stats()
		status.Components["guard"] = ComponentHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d active", stats.Active),
		}
	}

	return status
}
