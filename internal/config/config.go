// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、范围校验与关联配置同步
//       转换为 transport.Config / guard.Config 供服务端与客户端使用
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/raknet/internal/congestion"
	"github.com/mrcgq/raknet/internal/guard"
	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
	"github.com/mrcgq/raknet/internal/transport"
)

// Config 主配置
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// GUID 服务端标识, 0 表示启动时随机生成
	GUID uint64 `yaml:"guid"`
	MOTD string `yaml:"motd"`

	RakNet  RakNetConfig  `yaml:"raknet"`
	Guard   GuardConfig   `yaml:"guard"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RakNetConfig 传输层参数
type RakNetConfig struct {
	MaxMTU          int   `yaml:"max_mtu"`
	MTUProbes       []int `yaml:"mtu_probes"`
	ProbeAttempts   int   `yaml:"probe_attempts"`
	ProbeIntervalMs int   `yaml:"probe_interval_ms"`
	MaxConnections  int   `yaml:"max_connections"`
	// Workers 分片数, 0 表示按 CPU 数
	Workers int `yaml:"workers"`

	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	TimeoutMs          int `yaml:"timeout_ms"`
	PingIntervalMs     int `yaml:"ping_interval_ms"`

	RTOMinMs   int `yaml:"rto_min_ms"`
	RTOMaxMs   int `yaml:"rto_max_ms"`
	MaxResends int `yaml:"max_resends"`

	ResendWindow    int `yaml:"resend_window"`
	MaxQueuedFrames int `yaml:"max_queued_frames"`
	ReliableWindow  int `yaml:"reliable_window"`

	MaxOrderedPending   int `yaml:"max_ordered_pending"`
	MaxSplitCount       int `yaml:"max_split_count"`
	MaxConcurrentSplits int `yaml:"max_concurrent_splits"`
	MaxSplitBytes       int `yaml:"max_split_bytes"`
	MaxSplitViolations  int `yaml:"max_split_violations"`

	SocketBuffer int `yaml:"socket_buffer"`
}

// GuardConfig 封禁表配置
type GuardConfig struct {
	Enabled          bool    `yaml:"enabled"`
	BlockDurationSec int     `yaml:"block_duration_sec"`
	Slices           int     `yaml:"slices"`
	ExpectedItems    uint    `yaml:"expected_items"`
	FalsePositive    float64 `yaml:"false_positive"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
	// LogTail 在 /debug/log 输出最近日志
	LogTail bool `yaml:"log_tail"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":19132",
		LogLevel: "info",
		MOTD:     "RakNet Server",

		RakNet: RakNetConfig{
			MaxMTU:              protocol.MaxMTU,
			MTUProbes:           append([]int(nil), transport.DefaultMTUProbes...),
			ProbeAttempts:       transport.DefaultProbeAttempts,
			ProbeIntervalMs:     int(transport.DefaultProbeInterval / time.Millisecond),
			MaxConnections:      transport.DefaultMaxConnections,
			Workers:             0,
			HandshakeTimeoutMs:  int(transport.DefaultHandshakeTimeout / time.Millisecond),
			TimeoutMs:           int(transport.DefaultTimeout / time.Millisecond),
			PingIntervalMs:      int(transport.DefaultPingInterval / time.Millisecond),
			RTOMinMs:            int(congestion.DefaultRTOMin / time.Millisecond),
			RTOMaxMs:            int(congestion.DefaultRTOMax / time.Millisecond),
			MaxResends:          transport.DefaultMaxResends,
			ResendWindow:        transport.DefaultResendWindow,
			MaxQueuedFrames:     transport.DefaultMaxQueuedFrames,
			ReliableWindow:      transport.DefaultReliableWindow,
			MaxOrderedPending:   transport.DefaultMaxOrderedPending,
			MaxSplitCount:       transport.DefaultMaxSplitCount,
			MaxConcurrentSplits: transport.DefaultMaxConcurrentSplits,
			MaxSplitBytes:       transport.DefaultMaxSplitBytes,
			MaxSplitViolations:  transport.DefaultMaxSplitViolations,
			SocketBuffer:        transport.DefaultSocketBuffer,
		},

		Guard: GuardConfig{
			Enabled:          true,
			BlockDurationSec: int(guard.DefaultBlockDuration / time.Second),
			Slices:           guard.DefaultSlices,
			ExpectedItems:    guard.DefaultExpectedItems,
			FalsePositive:    guard.DefaultFalsePositive,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
			LogTail:     true,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	// 验证主监听端口
	if _, err := parsePort(c.Listen); err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "error", "info", "debug":
	default:
		return fmt.Errorf("无效的日志级别: %s (支持: error, info, debug)", c.LogLevel)
	}

	if len(c.MOTD) > 0xffff {
		return fmt.Errorf("motd 过长")
	}

	if err := c.validateRakNetConfig(); err != nil {
		return fmt.Errorf("raknet 配置错误: %w", err)
	}

	if c.Guard.Enabled {
		if err := c.validateGuardConfig(); err != nil {
			return fmt.Errorf("guard 配置错误: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if err := c.validateMetricsConfig(); err != nil {
			return fmt.Errorf("metrics 配置错误: %w", err)
		}
	}

	return nil
}

// validateRakNetConfig 验证传输层参数
func (c *Config) validateRakNetConfig() error {
	r := &c.RakNet

	if r.MaxMTU < protocol.MinMTU || r.MaxMTU > protocol.MaxMTU {
		return fmt.Errorf("max_mtu 需在 %d-%d 之间", protocol.MinMTU, protocol.MaxMTU)
	}
	for _, p := range r.MTUProbes {
		if p < protocol.MinMTU || p > protocol.MaxMTU {
			return fmt.Errorf("mtu_probes 中的 %d 越界 (%d-%d)", p, protocol.MinMTU, protocol.MaxMTU)
		}
	}
	if r.ProbeAttempts < 1 || r.ProbeAttempts > 20 {
		return fmt.Errorf("probe_attempts 需在 1-20 之间")
	}
	if r.ProbeIntervalMs < 10 || r.ProbeIntervalMs > 10000 {
		return fmt.Errorf("probe_interval_ms 需在 10-10000 之间")
	}
	if r.MaxConnections < 1 {
		return fmt.Errorf("max_connections 需大于 0")
	}
	if r.Workers < 0 || r.Workers > 256 {
		return fmt.Errorf("workers 需在 0-256 之间")
	}

	if r.HandshakeTimeoutMs < 100 {
		return fmt.Errorf("handshake_timeout_ms 不能小于 100")
	}
	if r.TimeoutMs < 1000 {
		return fmt.Errorf("timeout_ms 不能小于 1000")
	}
	if r.PingIntervalMs < 100 || r.PingIntervalMs >= r.TimeoutMs {
		return fmt.Errorf("ping_interval_ms 需不小于 100 且小于 timeout_ms")
	}

	if r.RTOMinMs < 10 || r.RTOMinMs > 5000 {
		return fmt.Errorf("rto_min_ms 需在 10-5000 之间")
	}
	if r.RTOMaxMs < r.RTOMinMs || r.RTOMaxMs > 60000 {
		return fmt.Errorf("rto_max_ms 需大于 rto_min_ms 且不超过 60000")
	}
	if r.MaxResends < 1 || r.MaxResends > 50 {
		return fmt.Errorf("max_resends 需在 1-50 之间")
	}

	if r.ResendWindow < 16 || r.ResendWindow > 65536 {
		return fmt.Errorf("resend_window 需在 16-65536 之间")
	}
	if r.MaxQueuedFrames < 1 {
		return fmt.Errorf("max_queued_frames 需大于 0")
	}
	if r.ReliableWindow < 64 || r.ReliableWindow > 1<<23 || r.ReliableWindow&(r.ReliableWindow-1) != 0 {
		return fmt.Errorf("reliable_window 需为 64-%d 之间的 2 的幂", 1<<23)
	}

	if r.MaxOrderedPending < 1 {
		return fmt.Errorf("max_ordered_pending 需大于 0")
	}
	if r.MaxSplitCount < 2 {
		return fmt.Errorf("max_split_count 不能小于 2")
	}
	if r.MaxConcurrentSplits < 1 {
		return fmt.Errorf("max_concurrent_splits 需大于 0")
	}
	if r.MaxSplitBytes < protocol.MaxMTU {
		return fmt.Errorf("max_split_bytes 不能小于 %d", protocol.MaxMTU)
	}
	if r.MaxSplitViolations < 1 {
		return fmt.Errorf("max_split_violations 需大于 0")
	}
	if r.SocketBuffer < 0 {
		return fmt.Errorf("socket_buffer 不能为负数")
	}
	return nil
}

// validateGuardConfig 验证封禁表配置
func (c *Config) validateGuardConfig() error {
	if c.Guard.BlockDurationSec < 1 || c.Guard.BlockDurationSec > 86400 {
		return fmt.Errorf("block_duration_sec 需在 1-86400 之间")
	}
	if c.Guard.Slices < 1 || c.Guard.Slices > 64 {
		return fmt.Errorf("slices 需在 1-64 之间")
	}
	if c.Guard.ExpectedItems < 1 {
		return fmt.Errorf("expected_items 需大于 0")
	}
	if c.Guard.FalsePositive <= 0 || c.Guard.FalsePositive >= 1 {
		return fmt.Errorf("false_positive 需在 (0, 1) 之间")
	}
	return nil
}

// validateMetricsConfig 验证监控配置
func (c *Config) validateMetricsConfig() error {
	if _, err := parsePort(c.Metrics.Listen); err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("path 必须以 / 开头")
	}
	if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
		return fmt.Errorf("health_path 必须以 / 开头")
	}
	if c.Metrics.Path == c.Metrics.HealthPath {
		return fmt.Errorf("path 与 health_path 冲突")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	if c.RakNet.Workers == 0 {
		c.RakNet.Workers = runtime.NumCPU()
	}

	// 探测阶梯从大到小, 超过 max_mtu 的尝试无意义
	probes := make([]int, 0, len(c.RakNet.MTUProbes))
	for _, p := range c.RakNet.MTUProbes {
		if p <= c.RakNet.MaxMTU {
			probes = append(probes, p)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(probes)))
	if len(probes) == 0 {
		probes = []int{c.RakNet.MaxMTU}
	}
	c.RakNet.MTUProbes = probes
}

// Finalize 命令行覆盖字段后重新校验并同步
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.syncRelatedConfig()
	return nil
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	var portStr string
	if strings.HasPrefix(addr, ":") {
		portStr = addr[1:]
	} else if _, p, err := net.SplitHostPort(addr); err == nil {
		portStr = p
	} else {
		portStr = addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("端口 %d 越界", port)
	}
	return port, nil
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// ms 毫秒整数转 Duration
func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ToTransport 转换为传输层配置; obs 与 bl 可为 nil
func (c *Config) ToTransport(log *logx.Logger, obs transport.Observer, bl *guard.Blocklist) *transport.Config {
	r := c.RakNet
	tc := &transport.Config{
		GUID:                c.GUID,
		MaxMTU:              r.MaxMTU,
		MTUProbes:           append([]int(nil), r.MTUProbes...),
		ProbeAttempts:       r.ProbeAttempts,
		ProbeInterval:       ms(r.ProbeIntervalMs),
		MaxConnections:      r.MaxConnections,
		Workers:             r.Workers,
		HandshakeTimeout:    ms(r.HandshakeTimeoutMs),
		Timeout:             ms(r.TimeoutMs),
		PingInterval:        ms(r.PingIntervalMs),
		RTOMin:              ms(r.RTOMinMs),
		RTOMax:              ms(r.RTOMaxMs),
		MaxResends:          r.MaxResends,
		ResendWindow:        r.ResendWindow,
		MaxQueuedFrames:     r.MaxQueuedFrames,
		ReliableWindow:      r.ReliableWindow,
		MaxOrderedPending:   r.MaxOrderedPending,
		MaxSplitCount:       r.MaxSplitCount,
		MaxConcurrentSplits: r.MaxConcurrentSplits,
		MaxSplitBytes:       r.MaxSplitBytes,
		MaxSplitViolations:  r.MaxSplitViolations,
		SocketBuffer:        r.SocketBuffer,
		MOTD:                c.MOTD,
		Logger:              log,
		Blocklist:           bl,
	}
	if obs != nil {
		tc.Observer = obs
	}
	return tc
}

// ToGuard 转换为封禁表配置
func (g GuardConfig) ToGuard() guard.Config {
	return guard.Config{
		BlockDuration: time.Duration(g.BlockDurationSec) * time.Second,
		Slices:        g.Slices,
		ExpectedItems: g.ExpectedItems,
		FalsePositive: g.FalsePositive,
	}
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# RakNet Server 配置文件示例
# =============================================================================

# 基础配置
listen: ":19132"                    # UDP 监听地址
log_level: "info"                   # 日志级别: debug, info, error
guid: 0                             # 服务端 GUID (0 = 启动时随机生成)
motd: "RakNet Server"               # UnconnectedPong 携带的描述

# 传输层参数
raknet:
  max_mtu: 1492                     # 可协商的最大 MTU (400-1492)
  mtu_probes: [1492, 1200, 1000, 576, 400]  # 客户端 MTU 探测阶梯
  probe_attempts: 4                 # 每级探测次数
  probe_interval_ms: 500            # 探测间隔 (毫秒)
  max_connections: 1024             # 最大会话数
  workers: 0                        # 分片数 (0 = CPU 数)
  handshake_timeout_ms: 10000       # 握手超时 (毫秒)
  timeout_ms: 10000                 # 会话无活动超时 (毫秒)
  ping_interval_ms: 5000            # 保活 ConnectedPing 间隔 (毫秒)
  rto_min_ms: 100                   # 最小重传超时 (毫秒)
  rto_max_ms: 10000                 # 最大重传超时 (毫秒)
  max_resends: 10                   # 单个数据报最大重传次数
  resend_window: 1024               # 未确认可靠数据报上限
  max_queued_frames: 8192           # 等待发送的帧上限
  reliable_window: 65536            # 可靠序号去重窗口 (2 的幂)
  max_ordered_pending: 1024         # 每通道乱序缓冲上限
  max_split_count: 512              # 单个分片组最多分片数
  max_concurrent_splits: 16         # 同时重组的分片组上限
  max_split_bytes: 4194304          # 重组缓冲总字节上限
  max_split_violations: 3           # 分片违规次数上限, 超出断开并封禁
  socket_buffer: 4194304            # 系统收发缓冲区 (字节)

# 滥用地址封禁表
guard:
  enabled: true
  block_duration_sec: 60            # 封禁时长 (秒)
  slices: 6                         # 布隆过滤器时间片数
  expected_items: 10000             # 每个时间片预期条目数
  false_positive: 0.0001            # 布隆过滤器误报率

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"                   # 监控端口
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof
  log_tail: true                    # 启用 /debug/log
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
