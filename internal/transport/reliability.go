// =============================================================================
// 文件: internal/transport/reliability.go
// 描述: 可靠性与排序引擎
//   发送: 分配可靠/排序/序列序号, 超出 MTU 时分片
//   接收: 去重 -> 排序窗口检查 -> 重组 -> 序列/排序 -> 投递
// =============================================================================
package transport

import (
	"fmt"

	"github.com/mrcgq/raknet/internal/protocol"
)

// channelState 单个排序通道
type channelState struct {
	// 发送方
	nextOrder    uint32
	nextSequence uint32

	// 接收方
	expectedOrder uint32
	pending       map[uint32][]byte
	highestSeq    uint32
	seqSeen       bool
}

// reliability 单会话的可靠性状态, 仅由所属分片访问
type reliability struct {
	mtu int

	nextReliable uint32
	nextSplitID  uint16
	channels     [protocol.MaxChannels]channelState

	seen       *seenWindow
	splits     *splitAssembler
	maxPending int
	maxSplits  int
}

func newReliability(cfg *Config, mtu int) *reliability {
	r := &reliability{
		mtu:        mtu,
		seen:       newSeenWindow(cfg.ReliableWindow),
		splits:     newSplitAssembler(cfg.MaxSplitCount, cfg.MaxConcurrentSplits, cfg.MaxSplitBytes),
		maxPending: cfg.MaxOrderedPending,
		maxSplits:  cfg.MaxSplitCount,
	}
	for i := range r.channels {
		r.channels[i].pending = make(map[uint32][]byte)
	}
	return r
}

// maxPayload 单帧不分片可携带的最大负载
func (r *reliability) maxPayload(rel protocol.Reliability) int {
	return r.mtu - protocol.UDPHeaderSize - protocol.DatagramHeaderSize - protocol.FrameHeaderSize(rel, false)
}

// fragmentSize 分片负载大小
func (r *reliability) fragmentSize(rel protocol.Reliability) int {
	return r.mtu - protocol.UDPHeaderSize - protocol.DatagramHeaderSize - protocol.FrameHeaderSize(rel, true)
}

// frames 将负载转换为待发送帧
func (r *reliability) frames(payload []byte, rel protocol.Reliability, channel uint8) ([]protocol.Frame, error) {
	if int(channel) >= protocol.MaxChannels {
		return nil, ErrInvalidChannel
	}
	if !rel.Valid() {
		return nil, ErrInvalidReliability
	}

	split := len(payload) > r.maxPayload(rel)
	if split {
		rel = splitReliability(rel)
	}

	var count int
	var fragSize int
	if split {
		fragSize = r.fragmentSize(rel)
		count = (len(payload) + fragSize - 1) / fragSize
		if count > r.maxSplits {
			return nil, fmt.Errorf("%w: %d 字节需要 %d 个分片, 上限 %d", ErrPayloadTooLarge, len(payload), count, r.maxSplits)
		}
	}

	ch := &r.channels[channel]
	base := protocol.Frame{Reliability: rel}
	if rel.IsOrdered() {
		base.OrderChannel = channel
		if rel.IsSequenced() {
			base.SequenceIndex = ch.nextSequence
			base.OrderIndex = ch.nextOrder
			ch.nextSequence = protocol.Uint24Add(ch.nextSequence, 1)
		} else {
			base.OrderIndex = ch.nextOrder
			ch.nextOrder = protocol.Uint24Add(ch.nextOrder, 1)
		}
	}

	if !split {
		f := base
		f.Payload = payload
		r.assignReliable(&f)
		return []protocol.Frame{f}, nil
	}

	id := r.nextSplitID
	r.nextSplitID++
	out := make([]protocol.Frame, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * fragSize
		if end > len(payload) {
			end = len(payload)
		}
		f := base
		f.SplitCount = uint32(count)
		f.SplitID = id
		f.SplitIndex = uint32(i)
		f.Payload = payload[i*fragSize : end]
		r.assignReliable(&f)
		out = append(out, f)
	}
	return out, nil
}

// splitReliability 分片必须全部到达, 不可靠类型升级为对应的可靠类型
func splitReliability(rel protocol.Reliability) protocol.Reliability {
	switch rel {
	case protocol.Unreliable:
		return protocol.Reliable
	case protocol.UnreliableSequenced:
		return protocol.ReliableSequenced
	case protocol.UnreliableWithAckReceipt:
		return protocol.ReliableWithAckReceipt
	}
	return rel
}

func (r *reliability) assignReliable(f *protocol.Frame) {
	if f.Reliability.IsReliable() {
		f.ReliableIndex = r.nextReliable
		r.nextReliable = protocol.Uint24Add(r.nextReliable, 1)
	}
}

// receiveResult 单帧处理结果
type receiveResult int

const (
	resultDelivered receiveResult = iota
	resultBuffered
	resultDuplicate
	resultStale
	// resultDeferred 超出排序窗口, 未记录为已收到, 等待重传
	resultDeferred
)

// receive 处理一个入站帧, 可投递的负载按顺序交给 deliver
func (r *reliability) receive(f *protocol.Frame, deliver func([]byte)) (receiveResult, error) {
	if f.Reliability.IsReliable() && r.seen.seen(f.ReliableIndex) {
		return resultDuplicate, nil
	}
	if f.Reliability.IsOrderExclusive() && !r.orderedRoom(f) {
		return resultDeferred, nil
	}
	if f.Reliability.IsReliable() {
		r.seen.accept(f.ReliableIndex)
	}

	if f.IsSplit() {
		payload, complete, err := r.splits.add(f)
		if err != nil {
			return resultBuffered, err
		}
		if !complete {
			return resultBuffered, nil
		}
		whole := *f
		whole.Payload = payload
		whole.SplitCount, whole.SplitID, whole.SplitIndex = 0, 0, 0
		f = &whole
	}

	switch {
	case f.Reliability.IsSequenced():
		ch := &r.channels[f.OrderChannel]
		if ch.seqSeen && !protocol.Uint24Less(ch.highestSeq, f.SequenceIndex) {
			return resultStale, nil
		}
		ch.highestSeq = f.SequenceIndex
		ch.seqSeen = true
		deliver(f.Payload)
		return resultDelivered, nil

	case f.Reliability.IsOrderExclusive():
		return r.receiveOrdered(f, deliver)

	default:
		deliver(f.Payload)
		return resultDelivered, nil
	}
}

// orderedRoom 排序序号是否落在 [expected, expected+maxPending) 内
func (r *reliability) orderedRoom(f *protocol.Frame) bool {
	ch := &r.channels[f.OrderChannel]
	return protocol.Uint24Diff(f.OrderIndex, ch.expectedOrder) < int32(r.maxPending)
}

func (r *reliability) receiveOrdered(f *protocol.Frame, deliver func([]byte)) (receiveResult, error) {
	ch := &r.channels[f.OrderChannel]
	d := protocol.Uint24Diff(f.OrderIndex, ch.expectedOrder)
	switch {
	case d < 0:
		return resultStale, nil
	case d > 0:
		if _, ok := ch.pending[f.OrderIndex]; ok {
			return resultDuplicate, nil
		}
		ch.pending[f.OrderIndex] = f.Payload
		return resultBuffered, nil
	}

	deliver(f.Payload)
	ch.expectedOrder = protocol.Uint24Add(ch.expectedOrder, 1)
	for {
		next, ok := ch.pending[ch.expectedOrder]
		if !ok {
			break
		}
		delete(ch.pending, ch.expectedOrder)
		deliver(next)
		ch.expectedOrder = protocol.Uint24Add(ch.expectedOrder, 1)
	}
	return resultDelivered, nil
}

// reset 清空全部接收缓冲
func (r *reliability) reset() {
	r.seen.reset()
	r.splits.reset()
	for i := range r.channels {
		r.channels[i].pending = make(map[uint32][]byte)
	}
}

// pendingOrdered 各通道缓存帧总数
func (r *reliability) pendingOrdered() int {
	n := 0
	for i := range r.channels {
		n += len(r.channels[i].pending)
	}
	return n
}
