// =============================================================================
// 文件: internal/transport/window.go
// 描述: 24 位序号滑动窗口, 用于可靠序号与数据报序号去重
// =============================================================================
package transport

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/mrcgq/raknet/internal/protocol"
)

// seenWindow 记录 [base, base+size) 内已收到的序号, base 之前一律视为已收到.
// size 为 2 的幂, 整除 2^24, 位置按 idx & mask 循环使用.
type seenWindow struct {
	base uint32
	size uint32
	mask uint32
	bits *bitset.BitSet
}

func newSeenWindow(size int) *seenWindow {
	return &seenWindow{
		size: uint32(size),
		mask: uint32(size - 1),
		bits: bitset.New(uint(size)),
	}
}

// accept 首次见到返回 true, 重复或过旧返回 false
func (w *seenWindow) accept(idx uint32) bool {
	idx &= protocol.Uint24Mask
	d := protocol.Uint24Diff(idx, w.base)
	if d < 0 {
		return false
	}
	if uint32(d) >= w.size {
		w.advance(protocol.Uint24Add(idx, protocol.Uint24Mask-w.size+2))
	}

	pos := uint(idx & w.mask)
	if w.bits.Test(pos) {
		return false
	}
	w.bits.Set(pos)

	for w.bits.Test(uint(w.base & w.mask)) {
		w.bits.Clear(uint(w.base & w.mask))
		w.base = protocol.Uint24Add(w.base, 1)
	}
	return true
}

// seen 是否已收到 (不修改状态)
func (w *seenWindow) seen(idx uint32) bool {
	idx &= protocol.Uint24Mask
	d := protocol.Uint24Diff(idx, w.base)
	if d < 0 {
		return true
	}
	if uint32(d) >= w.size {
		return false
	}
	return w.bits.Test(uint(idx & w.mask))
}

// below 是否已滑出窗口 (早于 base)
func (w *seenWindow) below(idx uint32) bool {
	return protocol.Uint24Diff(idx&protocol.Uint24Mask, w.base) < 0
}

// advance 将 base 推进到 newBase, 跳过的未收到序号视为已放弃
func (w *seenWindow) advance(newBase uint32) {
	d := protocol.Uint24Diff(newBase, w.base)
	if d <= 0 {
		return
	}
	if uint32(d) >= w.size {
		w.bits.ClearAll()
		w.base = newBase
		return
	}
	for w.base != newBase {
		w.bits.Clear(uint(w.base & w.mask))
		w.base = protocol.Uint24Add(w.base, 1)
	}
}

func (w *seenWindow) reset() {
	w.bits.ClearAll()
	w.base = 0
}
