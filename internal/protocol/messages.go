// =============================================================================
// 文件: internal/protocol/messages.go
// 描述: 离线握手与连接态控制消息
// =============================================================================
package protocol

import "net/netip"

// SystemAddressCount ConnectionRequestAccepted / NewIncomingConnection 写出的系统地址数
const SystemAddressCount = 10

// timestampsTail 地址列表之后两个 int64 时间戳
const timestampsTail = 16

func init() {
	register(IDConnectedPing, func() Message { return &ConnectedPing{} })
	register(IDUnconnectedPing, func() Message { return &UnconnectedPing{} })
	register(IDUnconnectedPingOpenConnections, func() Message { return &UnconnectedPing{OpenConnections: true} })
	register(IDConnectedPong, func() Message { return &ConnectedPong{} })
	register(IDOpenConnectionRequest1, func() Message { return &OpenConnectionRequest1{} })
	register(IDOpenConnectionReply1, func() Message { return &OpenConnectionReply1{} })
	register(IDOpenConnectionRequest2, func() Message { return &OpenConnectionRequest2{} })
	register(IDOpenConnectionReply2, func() Message { return &OpenConnectionReply2{} })
	register(IDConnectionRequest, func() Message { return &ConnectionRequest{} })
	register(IDConnectionRequestAccepted, func() Message { return &ConnectionRequestAccepted{} })
	register(IDAlreadyConnected, func() Message { return &AlreadyConnected{} })
	register(IDNewIncomingConnection, func() Message { return &NewIncomingConnection{} })
	register(IDNoFreeIncomingConnections, func() Message { return &NoFreeIncomingConnections{} })
	register(IDDisconnect, func() Message { return &Disconnect{} })
	register(IDIncompatibleProtocolVersion, func() Message { return &IncompatibleProtocolVersion{} })
	register(IDUnconnectedPong, func() Message { return &UnconnectedPong{} })
}

// ConnectedPing 连接态心跳
type ConnectedPing struct {
	sealedMessage
	Timestamp int64
}

func (*ConnectedPing) ID() byte { return IDConnectedPing }

func (m *ConnectedPing) Layout() []Field {
	return []Field{{Name: "timestamp", Kind: KindInt64, Ptr: &m.Timestamp}}
}

// ConnectedPong 心跳回应
type ConnectedPong struct {
	sealedMessage
	PingTimestamp int64
	PongTimestamp int64
}

func (*ConnectedPong) ID() byte { return IDConnectedPong }

func (m *ConnectedPong) Layout() []Field {
	return []Field{
		{Name: "ping_timestamp", Kind: KindInt64, Ptr: &m.PingTimestamp},
		{Name: "pong_timestamp", Kind: KindInt64, Ptr: &m.PongTimestamp},
	}
}

// UnconnectedPing 服务发现; OpenConnections 为 true 时编码为 0x02,
// 服务端仅在仍有空位时回应
type UnconnectedPing struct {
	sealedMessage
	OpenConnections bool
	Timestamp       int64
	ClientGUID      uint64
}

func (m *UnconnectedPing) ID() byte {
	if m.OpenConnections {
		return IDUnconnectedPingOpenConnections
	}
	return IDUnconnectedPing
}

func (m *UnconnectedPing) Layout() []Field {
	return []Field{
		{Name: "timestamp", Kind: KindInt64, Ptr: &m.Timestamp},
		{Name: "magic", Kind: KindMagic},
		{Name: "client_guid", Kind: KindUint64, Ptr: &m.ClientGUID},
	}
}

// UnconnectedPong 服务发现回应, Data 为服务端 MOTD
type UnconnectedPong struct {
	sealedMessage
	Timestamp  int64
	ServerGUID uint64
	Data       string
}

func (*UnconnectedPong) ID() byte { return IDUnconnectedPong }

func (m *UnconnectedPong) Layout() []Field {
	return []Field{
		{Name: "timestamp", Kind: KindInt64, Ptr: &m.Timestamp},
		{Name: "server_guid", Kind: KindUint64, Ptr: &m.ServerGUID},
		{Name: "magic", Kind: KindMagic},
		{Name: "data", Kind: KindString, Ptr: &m.Data},
	}
}

// OpenConnectionRequest1 MTU 探测, 报文被填充到 MTU-28 字节
type OpenConnectionRequest1 struct {
	sealedMessage
	Protocol uint8
	MTU      uint16
}

func (*OpenConnectionRequest1) ID() byte { return IDOpenConnectionRequest1 }

func (m *OpenConnectionRequest1) Layout() []Field {
	return []Field{
		{Name: "magic", Kind: KindMagic},
		{Name: "protocol", Kind: KindUint8, Ptr: &m.Protocol},
		{Name: "mtu", Kind: KindPadding, Ptr: &m.MTU},
	}
}

// OpenConnectionReply1 探测回应
type OpenConnectionReply1 struct {
	sealedMessage
	ServerGUID uint64
	Security   bool
	Cookie     uint32
	MTU        uint16
}

func (*OpenConnectionReply1) ID() byte { return IDOpenConnectionReply1 }

func (m *OpenConnectionReply1) Layout() []Field {
	return []Field{
		{Name: "magic", Kind: KindMagic},
		{Name: "server_guid", Kind: KindUint64, Ptr: &m.ServerGUID},
		{Name: "security", Kind: KindBool, Ptr: &m.Security},
		{Name: "cookie", Kind: KindUint32, Ptr: &m.Cookie, When: func() bool { return m.Security }},
		{Name: "mtu", Kind: KindUint16, Ptr: &m.MTU},
	}
}

// OpenConnectionRequest2 确认 MTU 并提交客户端 GUID
type OpenConnectionRequest2 struct {
	sealedMessage
	ServerAddress netip.AddrPort
	MTU           uint16
	ClientGUID    uint64
}

func (*OpenConnectionRequest2) ID() byte { return IDOpenConnectionRequest2 }

func (m *OpenConnectionRequest2) Layout() []Field {
	return []Field{
		{Name: "magic", Kind: KindMagic},
		{Name: "server_address", Kind: KindAddress, Ptr: &m.ServerAddress},
		{Name: "mtu", Kind: KindUint16, Ptr: &m.MTU},
		{Name: "client_guid", Kind: KindUint64, Ptr: &m.ClientGUID},
	}
}

// OpenConnectionReply2 会话建立
type OpenConnectionReply2 struct {
	sealedMessage
	ServerGUID    uint64
	ClientAddress netip.AddrPort
	MTU           uint16
	Encryption    bool
}

func (*OpenConnectionReply2) ID() byte { return IDOpenConnectionReply2 }

func (m *OpenConnectionReply2) Layout() []Field {
	return []Field{
		{Name: "magic", Kind: KindMagic},
		{Name: "server_guid", Kind: KindUint64, Ptr: &m.ServerGUID},
		{Name: "client_address", Kind: KindAddress, Ptr: &m.ClientAddress},
		{Name: "mtu", Kind: KindUint16, Ptr: &m.MTU},
		{Name: "encryption", Kind: KindBool, Ptr: &m.Encryption},
	}
}

// ConnectionRequest 在可靠帧中发送
type ConnectionRequest struct {
	sealedMessage
	ClientGUID uint64
	Timestamp  int64
	Security   bool
}

func (*ConnectionRequest) ID() byte { return IDConnectionRequest }

func (m *ConnectionRequest) Layout() []Field {
	return []Field{
		{Name: "client_guid", Kind: KindUint64, Ptr: &m.ClientGUID},
		{Name: "timestamp", Kind: KindInt64, Ptr: &m.Timestamp},
		{Name: "security", Kind: KindBool, Ptr: &m.Security},
	}
}

// ConnectionRequestAccepted 服务端接受连接
type ConnectionRequestAccepted struct {
	sealedMessage
	ClientAddress     netip.AddrPort
	SystemIndex       uint16
	SystemAddresses   []netip.AddrPort
	RequestTimestamp  int64
	AcceptedTimestamp int64
}

func (*ConnectionRequestAccepted) ID() byte { return IDConnectionRequestAccepted }

func (m *ConnectionRequestAccepted) Layout() []Field {
	return []Field{
		{Name: "client_address", Kind: KindAddress, Ptr: &m.ClientAddress},
		{Name: "system_index", Kind: KindUint16, Ptr: &m.SystemIndex},
		{Name: "system_addresses", Kind: KindAddressList, Ptr: &m.SystemAddresses, Tail: timestampsTail},
		{Name: "request_timestamp", Kind: KindInt64, Ptr: &m.RequestTimestamp},
		{Name: "accepted_timestamp", Kind: KindInt64, Ptr: &m.AcceptedTimestamp},
	}
}

// NewIncomingConnection 客户端确认连接
type NewIncomingConnection struct {
	sealedMessage
	ServerAddress     netip.AddrPort
	InternalAddresses []netip.AddrPort
	RequestTimestamp  int64
	AcceptedTimestamp int64
}

func (*NewIncomingConnection) ID() byte { return IDNewIncomingConnection }

func (m *NewIncomingConnection) Layout() []Field {
	return []Field{
		{Name: "server_address", Kind: KindAddress, Ptr: &m.ServerAddress},
		{Name: "internal_addresses", Kind: KindAddressList, Ptr: &m.InternalAddresses, Tail: timestampsTail},
		{Name: "request_timestamp", Kind: KindInt64, Ptr: &m.RequestTimestamp},
		{Name: "accepted_timestamp", Kind: KindInt64, Ptr: &m.AcceptedTimestamp},
	}
}

// AlreadyConnected GUID 已在其他地址上建立会话
type AlreadyConnected struct {
	sealedMessage
	ServerGUID uint64
}

func (*AlreadyConnected) ID() byte { return IDAlreadyConnected }

func (m *AlreadyConnected) Layout() []Field {
	return []Field{
		{Name: "magic", Kind: KindMagic},
		{Name: "server_guid", Kind: KindUint64, Ptr: &m.ServerGUID},
	}
}

// NoFreeIncomingConnections 服务端已满
type NoFreeIncomingConnections struct {
	sealedMessage
	ServerGUID uint64
}

func (*NoFreeIncomingConnections) ID() byte { return IDNoFreeIncomingConnections }

func (m *NoFreeIncomingConnections) Layout() []Field {
	return []Field{
		{Name: "magic", Kind: KindMagic},
		{Name: "server_guid", Kind: KindUint64, Ptr: &m.ServerGUID},
	}
}

// Disconnect 主动断开, 无消息体
type Disconnect struct {
	sealedMessage
}

func (*Disconnect) ID() byte { return IDDisconnect }

func (*Disconnect) Layout() []Field { return nil }

// IncompatibleProtocolVersion 协议版本不匹配
type IncompatibleProtocolVersion struct {
	sealedMessage
	Protocol   uint8
	ServerGUID uint64
}

func (*IncompatibleProtocolVersion) ID() byte { return IDIncompatibleProtocolVersion }

func (m *IncompatibleProtocolVersion) Layout() []Field {
	return []Field{
		{Name: "protocol", Kind: KindUint8, Ptr: &m.Protocol},
		{Name: "magic", Kind: KindMagic},
		{Name: "server_guid", Kind: KindUint64, Ptr: &m.ServerGUID},
	}
}

// SystemAddresses 生成 n 个占位系统地址, 首个为 first
func SystemAddresses(first netip.AddrPort) []netip.AddrPort {
	list := make([]netip.AddrPort, SystemAddressCount)
	list[0] = first
	for i := 1; i < len(list); i++ {
		list[i] = ZeroAddress
	}
	return list
}
