package transport

import (
	"errors"
	"fmt"
)

var (
	ErrConnClosed           = errors.New("连接已关闭")
	ErrConnNotReady         = errors.New("连接未就绪")
	ErrSendQueueFull        = errors.New("发送队列已满")
	ErrHandshakeTimeout     = errors.New("握手超时")
	ErrIncompatibleProtocol = errors.New("协议版本不兼容")
	ErrServerFull           = errors.New("服务端连接已满")
	ErrAlreadyConnected     = errors.New("GUID 已连接")
	ErrPayloadTooLarge      = errors.New("负载过大")
	ErrEmptyPayload         = errors.New("负载为空")
	ErrInvalidChannel       = errors.New("排序通道越界")
	ErrInvalidReliability   = errors.New("无效的可靠性类型")
	ErrReservedID           = errors.New("负载首字节为传输层保留 ID")
	ErrServerClosed         = errors.New("服务已关闭")
	ErrPingTimeout          = errors.New("未收到 UnconnectedPong")
	ErrNilHandler           = errors.New("handler 不能为空")

	// 以下为会话内部违规, 累积后触发断开
	errSplitViolation  = errors.New("分片违规")
	errResendExhausted = errors.New("重传次数耗尽")
)

// DisconnectError 会话断开时返回给等待方的错误
type DisconnectError struct {
	Reason DisconnectReason
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("会话已断开: %s", e.Reason)
}

func (e *DisconnectError) Is(target error) bool {
	return target == ErrConnClosed
}
