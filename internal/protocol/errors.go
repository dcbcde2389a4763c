package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedPacket 数据截断或字段非法
var ErrMalformedPacket = errors.New("畸形数据包")

var (
	ErrInvalidMagic   = fmt.Errorf("%w: 魔数不匹配", ErrMalformedPacket)
	ErrUnknownMessage = fmt.Errorf("%w: 未知消息 ID", ErrMalformedPacket)
	ErrVarIntOverflow = fmt.Errorf("%w: 变长整数溢出", ErrMalformedPacket)
)

func truncated(field string, need, have int) error {
	return fmt.Errorf("%w: %s 需要 %d 字节, 剩余 %d", ErrMalformedPacket, field, need, have)
}
