// =============================================================================
// 文件: internal/transport/ack_tracker.go
// 描述: 确认追踪
//   发送方: 可靠数据报重传历史, ACK 移除并采样 RTT, NACK/RTO 触发重传
//   接收方: 待确认序号与缺失序号, 每个 tick 合并为区间发出.
//   数据报内的帧全部被接收后才确认; 无法接收时按缺失处理, 等待对端以原序号重传
// =============================================================================
package transport

import (
	"sort"
	"time"

	"github.com/mrcgq/raknet/internal/protocol"
)

// sentDatagram 等待确认的数据报
type sentDatagram struct {
	data    []byte
	sentAt  time.Time
	resends int
	orders  []orderRef
}

// datagramStatus 入站数据报序号分类
type datagramStatus int

const (
	datagramNew datagramStatus = iota
	datagramDuplicate
	// datagramStale 已滑出接收窗口, 可能是迟到的重传
	datagramStale
)

type ackTracker struct {
	// 发送方
	nextSeq    uint32
	history    map[uint32]*sentDatagram
	maxResends int
	gate       *orderGate

	// 接收方
	received     *seenWindow
	expectedSeq  uint32
	toAck        []uint32
	missing      map[uint32]time.Time
	nakThreshold time.Duration
}

func newAckTracker(cfg *Config) *ackTracker {
	return &ackTracker{
		history:      make(map[uint32]*sentDatagram),
		maxResends:   cfg.MaxResends,
		gate:         newOrderGate(cfg.MaxOrderedPending),
		received:     newSeenWindow(cfg.ReliableWindow),
		missing:      make(map[uint32]time.Time),
		nakThreshold: TickInterval,
	}
}

// nextSequence 分配数据报序号
func (t *ackTracker) nextSequence() uint32 {
	seq := t.nextSeq
	t.nextSeq = protocol.Uint24Add(t.nextSeq, 1)
	return seq
}

// track 记录含可靠帧的数据报, 重传复用原序号与原字节
func (t *ackTracker) track(seq uint32, data []byte, now time.Time, frames ...protocol.Frame) {
	t.history[seq] = &sentDatagram{data: data, sentAt: now, orders: t.gate.sent(frames)}
}

// canSend 排序帧是否在发送窗口内
func (t *ackTracker) canSend(f *protocol.Frame) bool { return t.gate.allow(f) }

// inFlight 未确认数据报数量
func (t *ackTracker) inFlight() int { return len(t.history) }

// onAck 处理 ACK, 对未重传过的数据报回调 RTT 采样
func (t *ackTracker) onAck(records []protocol.AckRecord, now time.Time, sample func(time.Duration)) int {
	acked := 0
	t.forEach(records, func(seq uint32) {
		d, ok := t.history[seq]
		if !ok {
			return
		}
		delete(t.history, seq)
		t.gate.acked(d.orders)
		acked++
		// Karn: 重传过的数据报无法区分是哪一次发送被确认
		if d.resends == 0 {
			sample(now.Sub(d.sentAt))
		}
	})
	return acked
}

// onNak 处理 NACK, 立即重传仍在历史中的数据报
func (t *ackTracker) onNak(records []protocol.AckRecord, now time.Time, resend func([]byte)) int {
	n := 0
	t.forEach(records, func(seq uint32) {
		d, ok := t.history[seq]
		if !ok {
			return
		}
		d.resends++
		d.sentAt = now
		resend(d.data)
		n++
	})
	return n
}

// forEach 遍历区间内序号, 单区间跨度受历史大小约束
func (t *ackTracker) forEach(records []protocol.AckRecord, fn func(uint32)) {
	for _, r := range records {
		if r.Count() > len(t.history) {
			// 区间比历史还大时按历史遍历, 防止伪造大区间
			for _, seq := range t.sortedHistory() {
				if seq >= r.Start && seq <= r.End {
					fn(seq)
				}
			}
			continue
		}
		for seq := r.Start; ; seq++ {
			fn(seq)
			if seq == r.End {
				break
			}
		}
	}
}

func (t *ackTracker) sortedHistory() []uint32 {
	seqs := make([]uint32, 0, len(t.history))
	for seq := range t.history {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// resendExpired 重传超过 RTO 未确认的数据报; 超过重传上限返回 errResendExhausted
func (t *ackTracker) resendExpired(now time.Time, rto time.Duration, resend func([]byte)) (int, error) {
	n := 0
	for _, seq := range t.sortedHistory() {
		d := t.history[seq]
		if now.Sub(d.sentAt) < rto {
			continue
		}
		if d.resends >= t.maxResends {
			return n, errResendExhausted
		}
		d.resends++
		d.sentAt = now
		resend(d.data)
		n++
	}
	return n, nil
}

// classify 判断数据报序号, 不修改状态
func (t *ackTracker) classify(seq uint32) datagramStatus {
	switch {
	case t.received.below(seq):
		return datagramStale
	case t.received.seen(seq):
		return datagramDuplicate
	}
	return datagramNew
}

// onDatagram 数据报内容已全部接收: 记录序号并确认. 重复返回 false (仍会再次确认)
func (t *ackTracker) onDatagram(seq uint32, now time.Time) bool {
	t.toAck = append(t.toAck, seq)

	if !t.received.accept(seq) {
		return false
	}

	d := protocol.Uint24Diff(seq, t.expectedSeq)
	switch {
	case d == 0:
		t.expectedSeq = protocol.Uint24Add(seq, 1)
	case d > 0:
		gap := d
		if gap > maxGapTracking {
			gap = maxGapTracking
		}
		for i := int32(0); i < gap; i++ {
			missing := protocol.Uint24Add(t.expectedSeq, uint32(i))
			if _, ok := t.missing[missing]; !ok {
				t.missing[missing] = now
			}
		}
		t.expectedSeq = protocol.Uint24Add(seq, 1)
	default:
		delete(t.missing, seq)
	}
	return true
}

// reject 数据报内容未能全部接收: 不确认, 记为缺失以便 NACK
func (t *ackTracker) reject(seq uint32, now time.Time) {
	if !t.received.seen(seq) {
		if _, ok := t.missing[seq]; !ok {
			t.missing[seq] = now
		}
	}
}

// flushAcks 取出待发送的 ACK 区间
func (t *ackTracker) flushAcks() []protocol.AckRecord {
	if len(t.toAck) == 0 {
		return nil
	}
	records := protocol.Ranges(t.toAck)
	t.toAck = t.toAck[:0]
	return records
}

// flushNaks 取出持续超过一个 tick 的缺失序号, 每个序号只 NACK 一次
func (t *ackTracker) flushNaks(now time.Time) []protocol.AckRecord {
	var seqs []uint32
	for seq, detected := range t.missing {
		if now.Sub(detected) < t.nakThreshold {
			continue
		}
		if !t.received.seen(seq) {
			seqs = append(seqs, seq)
		}
		delete(t.missing, seq)
	}
	return protocol.Ranges(seqs)
}

func (t *ackTracker) reset() {
	t.history = make(map[uint32]*sentDatagram)
	t.missing = make(map[uint32]time.Time)
	t.toAck = nil
	t.received.reset()
	t.gate.reset()
}
