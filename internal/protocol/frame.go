// =============================================================================
// 文件: internal/protocol/frame.go
// 描述: 帧 (encapsulated packet) 编解码
// 格式: Flags(1) + BitLen(2 BE) + [Rel(3 LE)] + [Seq(3 LE)] + [Ord(3 LE) + Ch(1)]
//       + [Count(4 BE) + ID(2 BE) + Index(4 BE)] + Payload
// =============================================================================
package protocol

import "fmt"

// MaxFramePayload 位长字段可表达的最大负载
const MaxFramePayload = 0xFFFF / 8

// Frame 数据报中的单个帧
type Frame struct {
	Reliability   Reliability
	ReliableIndex uint32
	SequenceIndex uint32
	OrderIndex    uint32
	OrderChannel  uint8

	// SplitCount 为 0 表示未分片
	SplitCount uint32
	SplitID    uint16
	SplitIndex uint32

	Payload []byte
}

// IsSplit 是否为分片
func (f *Frame) IsSplit() bool { return f.SplitCount > 0 }

// HeaderSize 帧头长度
func (f *Frame) HeaderSize() int {
	return FrameHeaderSize(f.Reliability, f.IsSplit())
}

// Size 编码后总长度
func (f *Frame) Size() int {
	return f.HeaderSize() + len(f.Payload)
}

// FrameHeaderSize 按可靠性与是否分片计算帧头长度
func FrameHeaderSize(r Reliability, split bool) int {
	n := 3
	if r.IsReliable() {
		n += 3
	}
	if r.IsSequenced() {
		n += 3
	}
	if r.IsOrdered() {
		n += 4
	}
	if split {
		n += SplitHeaderSize
	}
	return n
}

// Encode 写入帧
func (f *Frame) Encode(w *Writer) {
	flags := byte(f.Reliability) << 5
	if f.IsSplit() {
		flags |= FlagSplit
	}
	w.WriteUint8(flags)
	w.WriteUint16(uint16(len(f.Payload) << 3))

	if f.Reliability.IsReliable() {
		w.WriteUint24(f.ReliableIndex)
	}
	if f.Reliability.IsSequenced() {
		w.WriteUint24(f.SequenceIndex)
	}
	if f.Reliability.IsOrdered() {
		w.WriteUint24(f.OrderIndex)
		w.WriteUint8(f.OrderChannel)
	}
	if f.IsSplit() {
		w.WriteUint32(f.SplitCount)
		w.WriteUint16(f.SplitID)
		w.WriteUint32(f.SplitIndex)
	}
	w.WriteBytes(f.Payload)
}

// ReadFrame 读取单个帧, Payload 复制出底层缓冲
func ReadFrame(r *Reader) (Frame, error) {
	var f Frame

	flags, err := r.ReadUint8()
	if err != nil {
		return f, err
	}
	f.Reliability = Reliability(flags >> 5)

	bits, err := r.ReadUint16()
	if err != nil {
		return f, err
	}
	if bits == 0 {
		return f, fmt.Errorf("%w: 帧负载为空", ErrMalformedPacket)
	}
	length := (int(bits) + 7) >> 3

	if f.Reliability.IsReliable() {
		if f.ReliableIndex, err = r.ReadUint24(); err != nil {
			return f, err
		}
	}
	if f.Reliability.IsSequenced() {
		if f.SequenceIndex, err = r.ReadUint24(); err != nil {
			return f, err
		}
	}
	if f.Reliability.IsOrdered() {
		if f.OrderIndex, err = r.ReadUint24(); err != nil {
			return f, err
		}
		if f.OrderChannel, err = r.ReadUint8(); err != nil {
			return f, err
		}
		if f.OrderChannel >= MaxChannels {
			return f, fmt.Errorf("%w: 通道越界 %d", ErrMalformedPacket, f.OrderChannel)
		}
	}

	if flags&FlagSplit != 0 {
		if f.SplitCount, err = r.ReadUint32(); err != nil {
			return f, err
		}
		if f.SplitID, err = r.ReadUint16(); err != nil {
			return f, err
		}
		if f.SplitIndex, err = r.ReadUint32(); err != nil {
			return f, err
		}
		if f.SplitCount == 0 || f.SplitIndex >= f.SplitCount {
			return f, fmt.Errorf("%w: 分片索引越界 %d/%d", ErrMalformedPacket, f.SplitIndex, f.SplitCount)
		}
	}

	payload, err := r.ReadBytes(length)
	if err != nil {
		return f, err
	}
	f.Payload = append([]byte(nil), payload...)
	return f, nil
}
