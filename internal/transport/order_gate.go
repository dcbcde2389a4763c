// =============================================================================
// 文件: internal/transport/order_gate.go
// 描述: 排序通道发送窗口 - 每个通道已发出未确认的排序帧跨度不超过 MaxOrderedPending,
//   对端排序缓冲因此不会溢出
// =============================================================================
package transport

import "github.com/mrcgq/raknet/internal/protocol"

// orderRef 数据报中的一个排序帧
type orderRef struct {
	channel uint8
	index   uint32
}

type gateChannel struct {
	// base 最小未确认排序序号, next 已发出的最大排序序号 + 1
	base    uint32
	next    uint32
	unacked map[uint32]int
}

type orderGate struct {
	limit    int32
	channels [protocol.MaxChannels]gateChannel
}

func newOrderGate(limit int) *orderGate {
	g := &orderGate{limit: int32(limit)}
	g.reset()
	return g
}

// allow 帧是否可以发出; 非严格排序帧不受限制
func (g *orderGate) allow(f *protocol.Frame) bool {
	if !f.Reliability.IsOrderExclusive() {
		return true
	}
	c := &g.channels[f.OrderChannel]
	return protocol.Uint24Diff(f.OrderIndex, c.base) < g.limit
}

// sent 记录随数据报发出的排序帧, 返回需要随数据报保存的引用
func (g *orderGate) sent(frames []protocol.Frame) []orderRef {
	var refs []orderRef
	for i := range frames {
		f := &frames[i]
		if !f.Reliability.IsOrderExclusive() {
			continue
		}
		c := &g.channels[f.OrderChannel]
		c.unacked[f.OrderIndex]++
		if protocol.Uint24Diff(f.OrderIndex, c.next) >= 0 {
			c.next = protocol.Uint24Add(f.OrderIndex, 1)
		}
		refs = append(refs, orderRef{channel: f.OrderChannel, index: f.OrderIndex})
	}
	return refs
}

// acked 数据报被确认, 推进各通道 base
func (g *orderGate) acked(refs []orderRef) {
	for _, ref := range refs {
		c := &g.channels[ref.channel]
		if n := c.unacked[ref.index]; n > 1 {
			c.unacked[ref.index] = n - 1
			continue
		}
		delete(c.unacked, ref.index)
		for c.base != c.next {
			if _, ok := c.unacked[c.base]; ok {
				break
			}
			c.base = protocol.Uint24Add(c.base, 1)
		}
	}
}

func (g *orderGate) reset() {
	for i := range g.channels {
		g.channels[i] = gateChannel{unacked: make(map[uint32]int)}
	}
}
