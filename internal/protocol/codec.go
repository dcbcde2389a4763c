// =============================================================================
// 文件: internal/protocol/codec.go
// 描述: 线格式基础读写 (大端整数, 小端 uint24, 变长整数, 字符串, 魔数)
// =============================================================================
package protocol

import (
	"encoding/binary"
	"math"
)

// Writer 追加式编码器, 写入不会失败
type Writer struct {
	buf []byte
}

// NewWriter 创建编码器
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes 返回已写入数据
func (w *Writer) Bytes() []byte { return w.buf }

// Len 已写入长度
func (w *Writer) Len() int { return len(w.buf) }

// Reset 清空, 保留容量
func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) WriteUint16LE(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

// WriteUint24 小端 24 位
func (w *Writer) WriteUint24(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
}

func (w *Writer) WriteUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) WriteUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteVarUint32(v uint32) { w.buf = binary.AppendUvarint(w.buf, uint64(v)) }

func (w *Writer) WriteVarUint64(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

// WriteVarInt32 zig-zag 编码
func (w *Writer) WriteVarInt32(v int32) { w.buf = binary.AppendVarint(w.buf, int64(v)) }

func (w *Writer) WriteVarInt64(v int64) { w.buf = binary.AppendVarint(w.buf, v) }

// WriteString uint16 长度前缀
func (w *Writer) WriteString(s string) {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	w.WriteUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteVarString 变长长度前缀
func (w *Writer) WriteVarString(s string) {
	w.WriteVarUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteVarBytes 变长长度前缀
func (w *Writer) WriteVarBytes(b []byte) {
	w.WriteVarUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteMagic() { w.buf = append(w.buf, Magic[:]...) }

func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

// WritePadding 写入 n 个零字节
func (w *Writer) WritePadding(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// Reader 顺序解码器, 截断返回 ErrMalformedPacket
type Reader struct {
	buf []byte
	off int
}

// NewReader 创建解码器
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining 剩余字节
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Offset 已读取字节
func (r *Reader) Offset() int { return r.off }

// Len 总长度
func (r *Reader) Len() int { return len(r.buf) }

func (r *Reader) take(field string, n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, truncated(field, n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take("uint8", 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take("uint16", 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint16LE() (uint16, error) {
	b, err := r.take("uint16le", 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint24() (uint32, error) {
	b, err := r.take("uint24", 3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take("uint32", 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take("uint64", 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadVarUint64() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n == 0 {
		return 0, truncated("varuint", 1, r.Remaining())
	}
	if n < 0 {
		return 0, ErrVarIntOverflow
	}
	r.off += n
	return v, nil
}

func (r *Reader) ReadVarUint32() (uint32, error) {
	v, err := r.ReadVarUint64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, ErrVarIntOverflow
	}
	return uint32(v), nil
}

func (r *Reader) ReadVarInt64() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n == 0 {
		return 0, truncated("varint", 1, r.Remaining())
	}
	if n < 0 {
		return 0, ErrVarIntOverflow
	}
	r.off += n
	return v, nil
}

func (r *Reader) ReadVarInt32() (int32, error) {
	v, err := r.ReadVarInt64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, ErrVarIntOverflow
	}
	return int32(v), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := r.take("string", int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadVarString() (string, error) {
	b, err := r.ReadVarBytes()
	return string(b), err
}

func (r *Reader) ReadVarBytes() ([]byte, error) {
	n, err := r.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Remaining()) {
		return nil, truncated("bytes", int(n), r.Remaining())
	}
	b, _ := r.take("bytes", int(n))
	return append([]byte(nil), b...), nil
}

// ReadMagic 校验魔数
func (r *Reader) ReadMagic() error {
	b, err := r.take("magic", len(Magic))
	if err != nil {
		return err
	}
	if [16]byte(b) != Magic {
		return ErrInvalidMagic
	}
	return nil
}

// ReadBytes 读取 n 字节 (引用底层缓冲)
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take("bytes", n)
}

// ReadRest 读取剩余全部字节
func (r *Reader) ReadRest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

// ReadPadding 跳过剩余字节并返回其长度, 从不失败
func (r *Reader) ReadPadding() int {
	return len(r.ReadRest())
}
