// =============================================================================
// 文件: raknet.go
// 描述: 对外接口 - 导出 internal/transport 与 internal/protocol 的公共类型
// =============================================================================

// Package raknet 基于 UDP 的 RakNet 可靠传输 (协议版本 11).
//
// 服务端:
//
//	srv, err := raknet.Listen(ctx, ":19132", raknet.DefaultConfig(), handler)
//
// 客户端:
//
//	c, err := raknet.Dial(ctx, "127.0.0.1:19132", nil, handler)
//	c.Send(payload, raknet.ReliableOrdered, 0)
package raknet

import (
	"github.com/mrcgq/raknet/internal/protocol"
	"github.com/mrcgq/raknet/internal/transport"
)

type (
	Config           = transport.Config
	Server           = transport.Server
	Client           = transport.Client
	Dialer           = transport.Dialer
	Session          = transport.Session
	SessionStats     = transport.SessionStats
	Handler          = transport.Handler
	Observer         = transport.Observer
	State            = transport.State
	DisconnectReason = transport.DisconnectReason
	DisconnectError  = transport.DisconnectError
	Pong             = transport.Pong
	Event            = transport.Event
	EventKind        = transport.EventKind
	EventQueue       = transport.EventQueue
	Reliability      = protocol.Reliability
)

// 可靠性类型
const (
	Unreliable                    = protocol.Unreliable
	UnreliableSequenced           = protocol.UnreliableSequenced
	Reliable                      = protocol.Reliable
	ReliableOrdered               = protocol.ReliableOrdered
	ReliableSequenced             = protocol.ReliableSequenced
	UnreliableWithAckReceipt      = protocol.UnreliableWithAckReceipt
	ReliableWithAckReceipt        = protocol.ReliableWithAckReceipt
	ReliableOrderedWithAckReceipt = protocol.ReliableOrderedWithAckReceipt
)

// 会话状态
const (
	StateConnecting    = transport.StateConnecting
	StateConnected     = transport.StateConnected
	StateDisconnecting = transport.StateDisconnecting
	StateDisconnected  = transport.StateDisconnected
)

// 断开原因
const (
	ReasonClosed          = transport.ReasonClosed
	ReasonRemote          = transport.ReasonRemote
	ReasonTimeout         = transport.ReasonTimeout
	ReasonResendExhausted = transport.ReasonResendExhausted
	ReasonSplitAbuse      = transport.ReasonSplitAbuse
	ReasonProtocolError   = transport.ReasonProtocolError
	ReasonShutdown        = transport.ReasonShutdown
)

// 事件类型
const (
	EventConnect    = transport.EventConnect
	EventDisconnect = transport.EventDisconnect
	EventPayload    = transport.EventPayload
)

// 协议常量
const (
	ProtocolVersion = protocol.ProtocolVersion
	MinMTU          = protocol.MinMTU
	MaxMTU          = protocol.MaxMTU
	MaxChannels     = protocol.MaxChannels
)

// 错误
var (
	ErrConnClosed           = transport.ErrConnClosed
	ErrConnNotReady         = transport.ErrConnNotReady
	ErrSendQueueFull        = transport.ErrSendQueueFull
	ErrHandshakeTimeout     = transport.ErrHandshakeTimeout
	ErrIncompatibleProtocol = transport.ErrIncompatibleProtocol
	ErrServerFull           = transport.ErrServerFull
	ErrAlreadyConnected     = transport.ErrAlreadyConnected
	ErrPayloadTooLarge      = transport.ErrPayloadTooLarge
	ErrEmptyPayload         = transport.ErrEmptyPayload
	ErrInvalidChannel       = transport.ErrInvalidChannel
	ErrInvalidReliability   = transport.ErrInvalidReliability
	ErrReservedID           = transport.ErrReservedID
	ErrPingTimeout          = transport.ErrPingTimeout
	ErrNilHandler           = transport.ErrNilHandler
	ErrMalformedPacket      = protocol.ErrMalformedPacket
)

// 入口函数
var (
	Listen           = transport.Listen
	Dial             = transport.Dial
	NewDialer        = transport.NewDialer
	Ping             = transport.Ping
	NewEventQueue    = transport.NewEventQueue
	DefaultConfig    = transport.DefaultConfig
	NewGUID          = transport.NewGUID
	ParseReliability = protocol.ParseReliability
)
