// =============================================================================
// 文件: internal/transport/split.go
// 描述: 分片重组, 受分片数、并发分片组与字节预算约束
// =============================================================================
package transport

import (
	"fmt"

	"github.com/mrcgq/raknet/internal/protocol"
)

// splitSet 一个分片组
type splitSet struct {
	count    uint32
	received uint32
	size     int
	chunks   [][]byte
}

type splitAssembler struct {
	sets map[uint16]*splitSet

	maxCount    int
	maxSets     int
	maxBytes    int
	bufferBytes int
}

func newSplitAssembler(maxCount, maxSets, maxBytes int) *splitAssembler {
	return &splitAssembler{
		sets:     make(map[uint16]*splitSet),
		maxCount: maxCount,
		maxSets:  maxSets,
		maxBytes: maxBytes,
	}
}

// add 加入一个分片, 集齐时返回按索引拼接的完整负载.
// 超出限制时丢弃整个分片组并返回 errSplitViolation.
func (a *splitAssembler) add(f *protocol.Frame) ([]byte, bool, error) {
	if f.SplitCount > uint32(a.maxCount) {
		a.drop(f.SplitID)
		return nil, false, fmt.Errorf("%w: 分片数 %d 超过上限 %d", errSplitViolation, f.SplitCount, a.maxCount)
	}

	set, ok := a.sets[f.SplitID]
	if !ok {
		if len(a.sets) >= a.maxSets {
			return nil, false, fmt.Errorf("%w: 并发分片组超过上限 %d", errSplitViolation, a.maxSets)
		}
		set = &splitSet{
			count:  f.SplitCount,
			chunks: make([][]byte, f.SplitCount),
		}
		a.sets[f.SplitID] = set
	}

	if set.count != f.SplitCount {
		a.drop(f.SplitID)
		return nil, false, fmt.Errorf("%w: 分片组 %d 总数不一致 %d != %d", errSplitViolation, f.SplitID, f.SplitCount, set.count)
	}
	if set.chunks[f.SplitIndex] != nil {
		// 重复分片
		return nil, false, nil
	}
	if a.bufferBytes+len(f.Payload) > a.maxBytes {
		a.drop(f.SplitID)
		return nil, false, fmt.Errorf("%w: 重组缓冲超过 %d 字节", errSplitViolation, a.maxBytes)
	}

	set.chunks[f.SplitIndex] = f.Payload
	set.received++
	set.size += len(f.Payload)
	a.bufferBytes += len(f.Payload)

	if set.received < set.count {
		return nil, false, nil
	}

	payload := make([]byte, 0, set.size)
	for _, c := range set.chunks {
		payload = append(payload, c...)
	}
	a.drop(f.SplitID)
	return payload, true, nil
}

func (a *splitAssembler) drop(id uint16) {
	if set, ok := a.sets[id]; ok {
		a.bufferBytes -= set.size
		delete(a.sets, id)
	}
}

func (a *splitAssembler) pending() int { return len(a.sets) }

func (a *splitAssembler) reset() {
	a.sets = make(map[uint16]*splitSet)
	a.bufferBytes = 0
}
