// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/raknet/internal/guard"
	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/transport"
)

// =============================================================================
// 默认值测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("基础配置默认值", func(t *testing.T) {
		if cfg.Listen != ":19132" {
			t.Errorf("Listen 默认值错误: got %s, want :19132", cfg.Listen)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel 默认值错误: got %s, want info", cfg.LogLevel)
		}
		if cfg.GUID != 0 {
			t.Errorf("GUID 默认应为 0: got %d", cfg.GUID)
		}
	})

	t.Run("RakNet配置默认值", func(t *testing.T) {
		r := cfg.RakNet
		if r.MaxMTU != 1492 {
			t.Errorf("MaxMTU 默认值错误: got %d, want 1492", r.MaxMTU)
		}
		want := []int{1492, 1200, 1000, 576, 400}
		if len(r.MTUProbes) != len(want) {
			t.Fatalf("MTUProbes 长度错误: got %v", r.MTUProbes)
		}
		for i := range want {
			if r.MTUProbes[i] != want[i] {
				t.Errorf("MTUProbes[%d] 错误: got %d, want %d", i, r.MTUProbes[i], want[i])
			}
		}
		if r.TimeoutMs != 10000 {
			t.Errorf("TimeoutMs 默认值错误: got %d, want 10000", r.TimeoutMs)
		}
		if r.RTOMinMs != 100 || r.RTOMaxMs != 10000 {
			t.Errorf("RTO 默认值错误: got %d-%d", r.RTOMinMs, r.RTOMaxMs)
		}
		if r.MaxConnections != 1024 {
			t.Errorf("MaxConnections 默认值错误: got %d, want 1024", r.MaxConnections)
		}
	})

	t.Run("默认配置可通过验证", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Errorf("默认配置验证失败: %v", err)
		}
	})

	t.Run("默认探测阶梯不共享底层数组", func(t *testing.T) {
		c := DefaultConfig()
		c.RakNet.MTUProbes[0] = 400
		if transport.DefaultMTUProbes[0] != 1492 {
			t.Error("修改配置不应影响 transport.DefaultMTUProbes")
		}
	})
}

// =============================================================================
// 边界值测试
// =============================================================================

func TestRakNetBoundaryValues(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"MTU 下限", func(c *Config) { c.RakNet.MaxMTU = 400 }, ""},
		{"MTU 上限", func(c *Config) { c.RakNet.MaxMTU = 1492 }, ""},
		{"MTU 过小", func(c *Config) { c.RakNet.MaxMTU = 399 }, "max_mtu"},
		{"MTU 过大", func(c *Config) { c.RakNet.MaxMTU = 1493 }, "max_mtu"},
		{"探测越界", func(c *Config) { c.RakNet.MTUProbes = []int{1500} }, "mtu_probes"},
		{"探测次数为零", func(c *Config) { c.RakNet.ProbeAttempts = 0 }, "probe_attempts"},
		{"连接数为零", func(c *Config) { c.RakNet.MaxConnections = 0 }, "max_connections"},
		{"workers 为负", func(c *Config) { c.RakNet.Workers = -1 }, "workers"},
		{"超时过短", func(c *Config) { c.RakNet.TimeoutMs = 500 }, "timeout_ms"},
		{"保活间隔不小于超时", func(c *Config) { c.RakNet.PingIntervalMs = 10000 }, "ping_interval_ms"},
		{"RTO 上限小于下限", func(c *Config) { c.RakNet.RTOMinMs = 500; c.RakNet.RTOMaxMs = 400 }, "rto_max_ms"},
		{"重传次数过多", func(c *Config) { c.RakNet.MaxResends = 51 }, "max_resends"},
		{"去重窗口非 2 的幂", func(c *Config) { c.RakNet.ReliableWindow = 1000 }, "reliable_window"},
		{"去重窗口 2 的幂", func(c *Config) { c.RakNet.ReliableWindow = 1024 }, ""},
		{"分片数过小", func(c *Config) { c.RakNet.MaxSplitCount = 1 }, "max_split_count"},
		{"分片字节过小", func(c *Config) { c.RakNet.MaxSplitBytes = 100 }, "max_split_bytes"},
		{"缓冲区为负", func(c *Config) { c.RakNet.SocketBuffer = -1 }, "socket_buffer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("不应报错: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("应该报错, 包含 %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("错误信息应包含 %q: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateOther(t *testing.T) {
	t.Run("无效日志级别", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LogLevel = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Error("应拒绝未知日志级别")
		}
	})

	t.Run("无效监听端口", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Listen = ":abc"
		if err := cfg.Validate(); err == nil {
			t.Error("应拒绝无效端口")
		}
		cfg.Listen = ":70000"
		if err := cfg.Validate(); err == nil {
			t.Error("应拒绝越界端口")
		}
	})

	t.Run("guard 关闭时不校验", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Guard.Enabled = false
		cfg.Guard.FalsePositive = 2
		if err := cfg.Validate(); err != nil {
			t.Errorf("guard 关闭时不应报错: %v", err)
		}
		cfg.Guard.Enabled = true
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "false_positive") {
			t.Errorf("应拒绝无效误报率: %v", err)
		}
	})

	t.Run("metrics 路径冲突", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.HealthPath = "/metrics"
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "冲突") {
			t.Errorf("应检测到路径冲突: %v", err)
		}
	})

	t.Run("metrics 路径前缀", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Path = "metrics"
		if err := cfg.Validate(); err == nil {
			t.Error("应拒绝不以 / 开头的路径")
		}
	})
}

// =============================================================================
// 关联配置同步测试
// =============================================================================

func TestConfigSync(t *testing.T) {
	t.Run("workers 为 0 时按 CPU 数", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.syncRelatedConfig()
		if cfg.RakNet.Workers != runtime.NumCPU() {
			t.Errorf("Workers 同步错误: got %d, want %d", cfg.RakNet.Workers, runtime.NumCPU())
		}
	})

	t.Run("探测阶梯排序并裁剪", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RakNet.MaxMTU = 1200
		cfg.RakNet.MTUProbes = []int{576, 1492, 1200, 1000}
		cfg.syncRelatedConfig()
		want := []int{1200, 1000, 576}
		if len(cfg.RakNet.MTUProbes) != len(want) {
			t.Fatalf("探测阶梯错误: %v", cfg.RakNet.MTUProbes)
		}
		for i := range want {
			if cfg.RakNet.MTUProbes[i] != want[i] {
				t.Errorf("探测阶梯[%d] 错误: got %d, want %d", i, cfg.RakNet.MTUProbes[i], want[i])
			}
		}
	})

	t.Run("探测全部裁掉时退回 max_mtu", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RakNet.MaxMTU = 500
		cfg.RakNet.MTUProbes = []int{1492}
		cfg.syncRelatedConfig()
		if len(cfg.RakNet.MTUProbes) != 1 || cfg.RakNet.MTUProbes[0] != 500 {
			t.Errorf("探测阶梯应为 [500]: %v", cfg.RakNet.MTUProbes)
		}
	})

	t.Run("日志级别小写", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LogLevel = "DEBUG"
		cfg.syncRelatedConfig()
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel 应转为小写: %s", cfg.LogLevel)
		}
	})
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":19132", 19132, false},
		{"0.0.0.0:19132", 19132, false},
		{"[::]:19133", 19133, false},
		{"19132", 19132, false},
		{":abc", 0, true},
		{":65536", 0, true},
	}
	for _, tt := range tests {
		got, err := parsePort(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePort(%q) err = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePort(%q) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}

// =============================================================================
// 文件加载测试
// =============================================================================

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("部分覆盖默认值", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		content := `
listen: ":20000"
motd: "My Server"
raknet:
  max_connections: 16
  workers: 2
  timeout_ms: 5000
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("加载失败: %v", err)
		}
		if cfg.Listen != ":20000" || cfg.MOTD != "My Server" {
			t.Errorf("基础字段未覆盖: %+v", cfg)
		}
		if cfg.RakNet.MaxConnections != 16 || cfg.RakNet.Workers != 2 {
			t.Errorf("raknet 字段未覆盖: %+v", cfg.RakNet)
		}
		if cfg.RakNet.MaxMTU != 1492 {
			t.Errorf("未写字段应保留默认值: max_mtu=%d", cfg.RakNet.MaxMTU)
		}
	})

	t.Run("无效配置被拦截", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		if err := os.WriteFile(path, []byte("raknet:\n  max_mtu: 9000\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("应拒绝越界 MTU")
		}
	})

	t.Run("YAML 语法错误", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		if err := os.WriteFile(path, []byte("listen: [\n"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), "解析配置失败") {
			t.Errorf("应返回解析错误: %v", err)
		}
	})

	t.Run("文件不存在", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
			t.Error("应返回读取错误")
		}
	})
}

func TestExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("写入示例失败: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("示例配置应可加载: %v", err)
	}
	def := DefaultConfig()
	if cfg.Listen != def.Listen || cfg.RakNet.MaxResends != def.RakNet.MaxResends {
		t.Errorf("示例配置应与默认值一致: %+v", cfg)
	}
	if cfg.Guard.BlockDurationSec != def.Guard.BlockDurationSec || !cfg.Metrics.LogTail {
		t.Errorf("示例 guard/metrics 字段不匹配: %+v %+v", cfg.Guard, cfg.Metrics)
	}
}

// =============================================================================
// 转换测试
// =============================================================================

func TestToTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GUID = 99
	cfg.RakNet.TimeoutMs = 3000
	cfg.RakNet.RTOMinMs = 50
	cfg.syncRelatedConfig()

	bl := guard.New(cfg.Guard.ToGuard())
	defer bl.Close()

	tc := cfg.ToTransport(logx.Discard(), nil, bl)
	if tc.GUID != 99 || tc.MOTD != cfg.MOTD {
		t.Errorf("基础字段转换错误: guid=%d motd=%s", tc.GUID, tc.MOTD)
	}
	if tc.Timeout != 3*time.Second || tc.RTOMin != 50*time.Millisecond {
		t.Errorf("时长转换错误: timeout=%v rto_min=%v", tc.Timeout, tc.RTOMin)
	}
	if tc.Workers != runtime.NumCPU() {
		t.Errorf("Workers 转换错误: %d", tc.Workers)
	}
	if tc.Blocklist != bl {
		t.Error("Blocklist 未传递")
	}
	if tc.Observer != nil {
		t.Error("obs 为 nil 时应留空, 由传输层补默认值")
	}

	g := cfg.Guard.ToGuard()
	if g.BlockDuration != time.Minute || g.Slices != 6 {
		t.Errorf("guard 转换错误: %+v", g)
	}
}

func TestFinalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ":20001"
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize 失败: %v", err)
	}
	if cfg.RakNet.Workers == 0 {
		t.Error("Finalize 后 workers 应已同步")
	}

	cfg.Listen = "bad"
	if err := cfg.Finalize(); err == nil {
		t.Error("无效监听地址应报错")
	}
}
