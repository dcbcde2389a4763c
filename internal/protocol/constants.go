// =============================================================================
// 文件: internal/protocol/constants.go
// 描述: RakNet 协议常量、消息 ID 与可靠性类型
// =============================================================================
package protocol

import "fmt"

// 协议常量
const (
	ProtocolVersion = 11

	MinMTU = 400
	MaxMTU = 1492

	// UDPHeaderSize IP(20) + UDP(8)
	UDPHeaderSize = 28
	// DatagramHeaderSize 标志位(1) + 序号(3)
	DatagramHeaderSize = 4
	// DatagramOverhead 单个数据报的固定开销预算
	DatagramOverhead = 36

	// MaxChannels 排序通道数
	MaxChannels = 32

	// MaxFrameHeaderSize 帧头最大长度
	// 标志(1) + 位长(2) + 可靠序号(3) + 序列序号(3) + 排序序号(3) + 通道(1) + 分片(10)
	MaxFrameHeaderSize = 23

	// SplitHeaderSize 分片描述: count(4) + id(2) + index(4)
	SplitHeaderSize = 10

	// uint24 掩码
	Uint24Mask = 0xFFFFFF
)

// 消息 ID
const (
	IDConnectedPing                  byte = 0x00
	IDUnconnectedPing                byte = 0x01
	IDUnconnectedPingOpenConnections byte = 0x02
	IDConnectedPong                  byte = 0x03
	IDOpenConnectionRequest1         byte = 0x05
	IDOpenConnectionReply1           byte = 0x06
	IDOpenConnectionRequest2         byte = 0x07
	IDOpenConnectionReply2           byte = 0x08
	IDConnectionRequest              byte = 0x09
	IDConnectionRequestAccepted      byte = 0x10
	IDAlreadyConnected               byte = 0x12
	IDNewIncomingConnection          byte = 0x13
	IDNoFreeIncomingConnections      byte = 0x14
	IDDisconnect                     byte = 0x15
	IDIncompatibleProtocolVersion    byte = 0x19
	IDUnconnectedPong                byte = 0x1C
)

// 数据报标志位
const (
	FlagValid       byte = 0x80
	FlagAck         byte = 0x40
	FlagNak         byte = 0x20
	FlagSplit       byte = 0x10
	FlagNeedsBAndAS byte = 0x04
)

// Magic 离线消息魔数
var Magic = [16]byte{
	0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78,
}

// IsConnectedControl 判断 ID 是否为由传输层消费的连接态控制消息
func IsConnectedControl(id byte) bool {
	switch id {
	case IDConnectedPing, IDConnectedPong, IDConnectionRequest,
		IDConnectionRequestAccepted, IDNewIncomingConnection, IDDisconnect:
		return true
	}
	return false
}

// Reliability 可靠性类型 (3 bit)
type Reliability uint8

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced
	UnreliableWithAckReceipt
	ReliableWithAckReceipt
	ReliableOrderedWithAckReceipt
)

// Valid 是否为合法值
func (r Reliability) Valid() bool {
	return r <= ReliableOrderedWithAckReceipt
}

// IsReliable 是否分配可靠序号
func (r Reliability) IsReliable() bool {
	switch r {
	case Reliable, ReliableOrdered, ReliableSequenced,
		ReliableWithAckReceipt, ReliableOrderedWithAckReceipt:
		return true
	}
	return false
}

// IsSequenced 是否携带序列序号
func (r Reliability) IsSequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

// IsOrdered 是否携带排序序号与通道 (包括 sequenced)
func (r Reliability) IsOrdered() bool {
	switch r {
	case UnreliableSequenced, ReliableOrdered, ReliableSequenced, ReliableOrderedWithAckReceipt:
		return true
	}
	return false
}

// IsOrderExclusive 严格排序投递
func (r Reliability) IsOrderExclusive() bool {
	return r == ReliableOrdered || r == ReliableOrderedWithAckReceipt
}

// String 返回可读名称
func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable-sequenced"
	case Reliable:
		return "reliable"
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableSequenced:
		return "reliable-sequenced"
	case UnreliableWithAckReceipt:
		return "unreliable-ack-receipt"
	case ReliableWithAckReceipt:
		return "reliable-ack-receipt"
	case ReliableOrderedWithAckReceipt:
		return "reliable-ordered-ack-receipt"
	default:
		return fmt.Sprintf("reliability(%d)", uint8(r))
	}
}

// ParseReliability 从配置/命令行字符串解析
func ParseReliability(s string) (Reliability, error) {
	for r := Unreliable; r <= ReliableOrderedWithAckReceipt; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("未知可靠性类型: %s", s)
}

// Uint24Add 24 位模加
func Uint24Add(a uint32, n uint32) uint32 {
	return (a + n) & Uint24Mask
}

// Uint24Diff 返回 a-b 的有符号 24 位距离, 范围 [-2^23, 2^23)
func Uint24Diff(a, b uint32) int32 {
	d := (a - b) & Uint24Mask
	if d >= 1<<23 {
		return int32(d) - 1<<24
	}
	return int32(d)
}

// Uint24Less a 是否在模意义下早于 b
func Uint24Less(a, b uint32) bool {
	return Uint24Diff(a, b) < 0
}
