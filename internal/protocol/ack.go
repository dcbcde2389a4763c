// =============================================================================
// 文件: internal/protocol/ack.go
// 描述: ACK/NACK 区间记录
// 格式: Flags(1) + Count(2 BE) + {Single(1) + Start(3 LE) + [End(3 LE)]}...
// =============================================================================
package protocol

import (
	"fmt"
	"sort"
)

const (
	ackHeaderSize    = 3
	ackSingleSize    = 4
	ackRangeSize     = 7
	maxRecordsPerAck = 0xFFFF
)

// AckRecord 闭区间 [Start, End]
type AckRecord struct {
	Start uint32
	End   uint32
}

// Single 单序号记录
func (r AckRecord) Single() bool { return r.Start == r.End }

// Count 区间包含的序号数
func (r AckRecord) Count() int { return int(r.End-r.Start) + 1 }

func (r AckRecord) size() int {
	if r.Single() {
		return ackSingleSize
	}
	return ackRangeSize
}

// Ranges 将序号集合压缩为连续区间, 输入无需有序, 重复会被合并
func Ranges(seqs []uint32) []AckRecord {
	if len(seqs) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	records := []AckRecord{{Start: sorted[0], End: sorted[0]}}
	for _, s := range sorted[1:] {
		last := &records[len(records)-1]
		switch {
		case s == last.End:
		case s == last.End+1:
			last.End = s
		default:
			records = append(records, AckRecord{Start: s, End: s})
		}
	}
	return records
}

// EncodeAcks 按 MTU 切分编码, flag 为 FlagAck 或 FlagNak
func EncodeAcks(flag byte, records []AckRecord, mtu int) [][]byte {
	limit := mtu - UDPHeaderSize
	var out [][]byte
	for len(records) > 0 {
		size := ackHeaderSize
		n := 0
		for n < len(records) && n < maxRecordsPerAck && size+records[n].size() <= limit {
			size += records[n].size()
			n++
		}
		if n == 0 {
			n = 1
		}
		out = append(out, encodeAck(flag, records[:n]))
		records = records[n:]
	}
	return out
}

func encodeAck(flag byte, records []AckRecord) []byte {
	w := NewWriter(ackHeaderSize + len(records)*ackRangeSize)
	w.WriteUint8(FlagValid | flag)
	w.WriteUint16(uint16(len(records)))
	for _, r := range records {
		w.WriteBool(r.Single())
		w.WriteUint24(r.Start)
		if !r.Single() {
			w.WriteUint24(r.End)
		}
	}
	return w.Bytes()
}

// DecodeAck 解码 ACK/NACK 数据报 (含标志字节)
func DecodeAck(b []byte) ([]AckRecord, error) {
	r := NewReader(b)
	if _, err := r.ReadUint8(); err != nil {
		return nil, err
	}
	count, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	// 每条记录至少 4 字节, 防止伪造计数导致大分配
	if int(count)*ackSingleSize > r.Remaining() {
		return nil, truncated("ack records", int(count)*ackSingleSize, r.Remaining())
	}

	records := make([]AckRecord, 0, count)
	for i := 0; i < int(count); i++ {
		single, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		start, err := r.ReadUint24()
		if err != nil {
			return nil, err
		}
		end := start
		if !single {
			if end, err = r.ReadUint24(); err != nil {
				return nil, err
			}
			if end < start {
				return nil, fmt.Errorf("%w: ACK 区间倒置 %d > %d", ErrMalformedPacket, start, end)
			}
		}
		records = append(records, AckRecord{Start: start, End: end})
	}
	return records, nil
}
