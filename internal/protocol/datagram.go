// =============================================================================
// 文件: internal/protocol/datagram.go
// 描述: 数据报 (frame set) 编解码
// =============================================================================
package protocol

import "fmt"

// Datagram 携带若干帧的数据报
type Datagram struct {
	Sequence uint32
	Frames   []Frame
}

// IsOnline 首字节是否为连接态数据报 (含 ACK/NACK)
func IsOnline(b []byte) bool {
	return len(b) > 0 && b[0]&FlagValid != 0
}

// IsAck 首字节是否为 ACK
func IsAck(b []byte) bool {
	return len(b) > 0 && b[0]&FlagValid != 0 && b[0]&FlagAck != 0
}

// IsNak 首字节是否为 NACK
func IsNak(b []byte) bool {
	return len(b) > 0 && b[0]&FlagValid != 0 && b[0]&FlagAck == 0 && b[0]&FlagNak != 0
}

// EncodeDatagram 编码数据报
func EncodeDatagram(seq uint32, frames []Frame) []byte {
	size := DatagramHeaderSize
	for i := range frames {
		size += frames[i].Size()
	}
	w := NewWriter(size)
	w.WriteUint8(FlagValid | FlagNeedsBAndAS)
	w.WriteUint24(seq & Uint24Mask)
	for i := range frames {
		frames[i].Encode(w)
	}
	return w.Bytes()
}

// DecodeDatagram 解码数据报, 任意帧失败则整体丢弃
func DecodeDatagram(b []byte) (Datagram, error) {
	var d Datagram
	r := NewReader(b)

	flags, err := r.ReadUint8()
	if err != nil {
		return d, err
	}
	if flags&FlagValid == 0 || flags&(FlagAck|FlagNak) != 0 {
		return d, fmt.Errorf("%w: 非数据帧标志 0x%02x", ErrMalformedPacket, flags)
	}
	if d.Sequence, err = r.ReadUint24(); err != nil {
		return d, err
	}

	for r.Remaining() > 0 {
		f, err := ReadFrame(r)
		if err != nil {
			return d, err
		}
		if !f.Reliability.Valid() {
			return d, fmt.Errorf("%w: 可靠性类型 %d", ErrMalformedPacket, f.Reliability)
		}
		d.Frames = append(d.Frames, f)
	}
	return d, nil
}
