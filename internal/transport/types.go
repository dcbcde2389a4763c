// =============================================================================
// 文件: internal/transport/types.go
// 描述: RakNet 传输层 - 配置、状态、断开原因与回调接口
// =============================================================================
package transport

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/mrcgq/raknet/internal/congestion"
	"github.com/mrcgq/raknet/internal/guard"
	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
)

// 默认参数
const (
	TickInterval = 10 * time.Millisecond

	DefaultMaxConnections   = 1024
	DefaultWorkers          = 1
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultTimeout          = 10 * time.Second
	DefaultPingInterval     = 5 * time.Second
	DefaultProbeAttempts    = 4
	DefaultProbeInterval    = 500 * time.Millisecond
	DefaultMaxResends       = 10

	// DefaultResendWindow 未确认可靠数据报上限
	DefaultResendWindow = 1024
	// DefaultMaxQueuedFrames 等待发送的帧上限
	DefaultMaxQueuedFrames = 8192
	// DefaultReliableWindow 可靠序号去重窗口, 必须是 2 的幂
	DefaultReliableWindow = 1 << 16

	DefaultMaxOrderedPending   = 1024
	DefaultMaxSplitCount       = 512
	DefaultMaxConcurrentSplits = 16
	DefaultMaxSplitBytes       = 4 << 20
	DefaultMaxSplitViolations  = 3
	DefaultMaxMalformed        = 16
	DefaultInboxSize           = 4096
	DefaultCommandQueueSize    = 4096
	DefaultSocketBuffer        = 4 * 1024 * 1024

	// maxGapTracking 单次序号跳跃最多记录的缺失数
	maxGapTracking = 1024
)

// DefaultMTUProbes 客户端 MTU 探测阶梯
var DefaultMTUProbes = []int{1492, 1200, 1000, 576, 400}

// Config 传输层配置
type Config struct {
	// GUID 本端标识, 0 表示随机生成
	GUID uint64

	MaxMTU         int
	MTUProbes      []int
	ProbeAttempts  int
	ProbeInterval  time.Duration
	MaxConnections int
	Workers        int

	HandshakeTimeout time.Duration
	Timeout          time.Duration
	PingInterval     time.Duration

	RTOMin     time.Duration
	RTOMax     time.Duration
	MaxResends int

	ResendWindow    int
	MaxQueuedFrames int
	ReliableWindow  int

	MaxOrderedPending   int
	MaxSplitCount       int
	MaxConcurrentSplits int
	MaxSplitBytes       int
	MaxSplitViolations  int
	MaxMalformed        int

	InboxSize        int
	CommandQueueSize int

	// SocketBuffer 系统收发缓冲区, 设置失败时逐级减半
	SocketBuffer int

	// MOTD UnconnectedPong 携带的服务端描述
	MOTD string

	Logger    *logx.Logger
	Observer  Observer
	Blocklist *guard.Blocklist
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxMTU:              protocol.MaxMTU,
		MTUProbes:           append([]int(nil), DefaultMTUProbes...),
		ProbeAttempts:       DefaultProbeAttempts,
		ProbeInterval:       DefaultProbeInterval,
		MaxConnections:      DefaultMaxConnections,
		Workers:             DefaultWorkers,
		HandshakeTimeout:    DefaultHandshakeTimeout,
		Timeout:             DefaultTimeout,
		PingInterval:        DefaultPingInterval,
		RTOMin:              congestion.DefaultRTOMin,
		RTOMax:              congestion.DefaultRTOMax,
		MaxResends:          DefaultMaxResends,
		ResendWindow:        DefaultResendWindow,
		MaxQueuedFrames:     DefaultMaxQueuedFrames,
		ReliableWindow:      DefaultReliableWindow,
		MaxOrderedPending:   DefaultMaxOrderedPending,
		MaxSplitCount:       DefaultMaxSplitCount,
		MaxConcurrentSplits: DefaultMaxConcurrentSplits,
		MaxSplitBytes:       DefaultMaxSplitBytes,
		MaxSplitViolations:  DefaultMaxSplitViolations,
		MaxMalformed:        DefaultMaxMalformed,
		InboxSize:           DefaultInboxSize,
		CommandQueueSize:    DefaultCommandQueueSize,
		SocketBuffer:        DefaultSocketBuffer,
	}
}

// normalize 补全零值字段, 返回副本
func (c *Config) normalize() *Config {
	def := DefaultConfig()
	if c == nil {
		c = def
	}
	n := *c

	if n.GUID == 0 {
		n.GUID = NewGUID()
	}
	if n.MaxMTU < protocol.MinMTU || n.MaxMTU > protocol.MaxMTU {
		n.MaxMTU = protocol.MaxMTU
	}
	if len(n.MTUProbes) == 0 {
		n.MTUProbes = def.MTUProbes
	}
	setDefault(&n.ProbeAttempts, def.ProbeAttempts)
	setDefaultDuration(&n.ProbeInterval, def.ProbeInterval)
	setDefault(&n.MaxConnections, def.MaxConnections)
	setDefault(&n.Workers, def.Workers)
	setDefaultDuration(&n.HandshakeTimeout, def.HandshakeTimeout)
	setDefaultDuration(&n.Timeout, def.Timeout)
	setDefaultDuration(&n.PingInterval, def.PingInterval)
	setDefaultDuration(&n.RTOMin, def.RTOMin)
	setDefaultDuration(&n.RTOMax, def.RTOMax)
	setDefault(&n.MaxResends, def.MaxResends)
	setDefault(&n.ResendWindow, def.ResendWindow)
	setDefault(&n.MaxQueuedFrames, def.MaxQueuedFrames)
	if n.ReliableWindow <= 0 || n.ReliableWindow&(n.ReliableWindow-1) != 0 || n.ReliableWindow > 1<<23 {
		n.ReliableWindow = def.ReliableWindow
	}
	setDefault(&n.MaxOrderedPending, def.MaxOrderedPending)
	setDefault(&n.MaxSplitCount, def.MaxSplitCount)
	setDefault(&n.MaxConcurrentSplits, def.MaxConcurrentSplits)
	setDefault(&n.MaxSplitBytes, def.MaxSplitBytes)
	setDefault(&n.MaxSplitViolations, def.MaxSplitViolations)
	setDefault(&n.MaxMalformed, def.MaxMalformed)
	setDefault(&n.InboxSize, def.InboxSize)
	setDefault(&n.CommandQueueSize, def.CommandQueueSize)
	setDefault(&n.SocketBuffer, def.SocketBuffer)

	if n.Logger == nil {
		n.Logger = logx.Discard()
	}
	if n.Observer == nil {
		n.Observer = nopObserver{}
	}
	return &n
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDefaultDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

// NewGUID 取随机 UUID 的前 8 字节作为 GUID
func NewGUID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	names := []string{"CONNECTING", "CONNECTED", "DISCONNECTING", "DISCONNECTED"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// DisconnectReason 断开原因
type DisconnectReason int

const (
	ReasonClosed DisconnectReason = iota
	ReasonRemote
	ReasonTimeout
	ReasonResendExhausted
	ReasonSplitAbuse
	ReasonProtocolError
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonRemote:
		return "remote"
	case ReasonTimeout:
		return "timeout"
	case ReasonResendExhausted:
		return "resend_exhausted"
	case ReasonSplitAbuse:
		return "split_abuse"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Handler 会话事件回调, 在会话所属分片的 goroutine 上同步调用
type Handler interface {
	// OnConnect 握手完成
	OnConnect(s *Session)

	// OnDisconnect 会话结束, 仅对已触发 OnConnect 的会话调用
	OnDisconnect(s *Session, reason DisconnectReason)

	// OnEncapsulated 收到应用层负载, payload 归调用方所有
	OnEncapsulated(s *Session, payload []byte)
}

// Observer 指标回调
type Observer interface {
	SessionOpened()
	SessionClosed(reason DisconnectReason, lifetime time.Duration)
	HandshakeResult(result string)
	DatagramSent(bytes int)
	DatagramReceived(bytes int)
	Retransmit(cause string)
	AckSent(records int)
	NakSent(records int)
	RTTSample(rtt time.Duration)
	Dropped(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()                              {}
func (nopObserver) SessionClosed(DisconnectReason, time.Duration) {}
func (nopObserver) HandshakeResult(string)                      {}
func (nopObserver) DatagramSent(int)                            {}
func (nopObserver) DatagramReceived(int)                        {}
func (nopObserver) Retransmit(string)                           {}
func (nopObserver) AckSent(int)                                 {}
func (nopObserver) NakSent(int)                                 {}
func (nopObserver) RTTSample(time.Duration)                     {}
func (nopObserver) Dropped(string)                              {}

// 丢弃原因
const (
	DropMalformed      = "malformed"
	DropDuplicate      = "duplicate"
	DropStale          = "stale_sequenced"
	DropNotConnected   = "not_connected"
	DropBlocked        = "blocked"
	DropNoSession      = "no_session"
	DropInboxFull      = "inbox_full"
	DropSplitLimit     = "split_limit"
	DropOrderedOverrun = "ordered_overrun"
	DropUnexpected     = "unexpected"
)

// SessionStats 会话统计
type SessionStats struct {
	DatagramsSent     uint64
	DatagramsReceived uint64
	BytesSent         uint64
	BytesReceived     uint64
	Retransmits       uint64
	Duplicates        uint64
	AcksReceived      uint64
	NaksReceived      uint64
	Delivered         uint64

	State        string
	MTU          int
	SRTT         time.Duration
	RTO          time.Duration
	InFlight     int
	Queued       int
	LastActivity time.Time
	Uptime       time.Duration
}
