// =============================================================================
// 文件: internal/protocol/message.go
// 描述: 描述符驱动的消息编解码, 每种消息声明字段布局, 由通用例程解释
// =============================================================================
package protocol

import (
	"fmt"
	"net/netip"
)

// Kind 字段线格式
type Kind uint8

const (
	KindUint8 Kind = iota
	KindBool
	KindUint16
	KindUint32
	KindUint64
	KindInt64
	KindMagic
	KindString
	KindAddress
	// KindAddressList 编码写出全部元素, 解码读到只剩 Tail 字节为止
	KindAddressList
	// KindPadding 填充到总长度 *Ptr - UDPHeaderSize, 解码时反推 *Ptr
	KindPadding
)

// Field 单个字段描述
type Field struct {
	Name string
	Kind Kind
	// Ptr 指向消息结构体内的字段, KindMagic 为 nil
	Ptr any
	// When 可选字段的出现条件, nil 表示总是出现
	When func() bool
	Tail int
}

// Message 离线/连接态控制消息, 仅本包内可实现
type Message interface {
	ID() byte
	Layout() []Field
	sealed()
}

type sealedMessage struct{}

func (sealedMessage) sealed() {}

var registry [256]func() Message

func register(id byte, ctor func() Message) {
	if registry[id] != nil {
		panic(fmt.Sprintf("protocol: 消息 ID 0x%02x 重复注册", id))
	}
	registry[id] = ctor
}

// Registered 是否存在该 ID 的消息
func Registered(id byte) bool {
	return registry[id] != nil
}

// Encode 编码消息, 首字节为 ID
func Encode(m Message) []byte {
	w := NewWriter(64)
	EncodeTo(w, m)
	return w.Bytes()
}

// EncodeTo 编码到已有 Writer
func EncodeTo(w *Writer, m Message) {
	start := w.Len()
	w.WriteUint8(m.ID())
	for _, f := range m.Layout() {
		if f.When != nil && !f.When() {
			continue
		}
		encodeField(w, start, f)
	}
}

func encodeField(w *Writer, start int, f Field) {
	switch f.Kind {
	case KindUint8:
		w.WriteUint8(*f.Ptr.(*uint8))
	case KindBool:
		w.WriteBool(*f.Ptr.(*bool))
	case KindUint16:
		w.WriteUint16(*f.Ptr.(*uint16))
	case KindUint32:
		w.WriteUint32(*f.Ptr.(*uint32))
	case KindUint64:
		w.WriteUint64(*f.Ptr.(*uint64))
	case KindInt64:
		w.WriteInt64(*f.Ptr.(*int64))
	case KindMagic:
		w.WriteMagic()
	case KindString:
		w.WriteString(*f.Ptr.(*string))
	case KindAddress:
		w.WriteAddress(*f.Ptr.(*netip.AddrPort))
	case KindAddressList:
		for _, a := range *f.Ptr.(*[]netip.AddrPort) {
			w.WriteAddress(a)
		}
	case KindPadding:
		target := int(*f.Ptr.(*uint16)) - UDPHeaderSize
		if n := target - (w.Len() - start); n > 0 {
			w.WritePadding(n)
		}
	default:
		panic(fmt.Sprintf("protocol: 字段 %s 未知类型 %d", f.Name, f.Kind))
	}
}

// Decode 按首字节 ID 解码消息
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, truncated("id", 1, 0)
	}
	ctor := registry[b[0]]
	if ctor == nil {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, b[0])
	}
	m := ctor()
	if err := DecodeInto(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeInto 解码到指定消息, ID 必须匹配
func DecodeInto(b []byte, m Message) error {
	r := NewReader(b)
	id, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if id != m.ID() {
		return fmt.Errorf("%w: 期望 0x%02x, 实际 0x%02x", ErrUnknownMessage, m.ID(), id)
	}
	for _, f := range m.Layout() {
		if f.When != nil && !f.When() {
			continue
		}
		if err := decodeField(r, f); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func decodeField(r *Reader, f Field) error {
	var err error
	switch f.Kind {
	case KindUint8:
		*f.Ptr.(*uint8), err = r.ReadUint8()
	case KindBool:
		*f.Ptr.(*bool), err = r.ReadBool()
	case KindUint16:
		*f.Ptr.(*uint16), err = r.ReadUint16()
	case KindUint32:
		*f.Ptr.(*uint32), err = r.ReadUint32()
	case KindUint64:
		*f.Ptr.(*uint64), err = r.ReadUint64()
	case KindInt64:
		*f.Ptr.(*int64), err = r.ReadInt64()
	case KindMagic:
		err = r.ReadMagic()
	case KindString:
		*f.Ptr.(*string), err = r.ReadString()
	case KindAddress:
		*f.Ptr.(*netip.AddrPort), err = r.ReadAddress()
	case KindAddressList:
		list := (*f.Ptr.(*[]netip.AddrPort))[:0]
		for r.Remaining() > f.Tail {
			a, aerr := r.ReadAddress()
			if aerr != nil {
				return aerr
			}
			list = append(list, a)
		}
		*f.Ptr.(*[]netip.AddrPort) = list
	case KindPadding:
		r.ReadPadding()
		total := r.Len() + UDPHeaderSize
		if total > 0xFFFF {
			total = 0xFFFF
		}
		*f.Ptr.(*uint16) = uint16(total)
	default:
		err = fmt.Errorf("%w: 字段 %s 未知类型 %d", ErrMalformedPacket, f.Name, f.Kind)
	}
	return err
}
