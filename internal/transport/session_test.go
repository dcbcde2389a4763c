// =============================================================================
// 文件: internal/transport/session_test.go
// 描述: 会话测试 - 两个会话经内存链路直连, 手动推进时间
// =============================================================================
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/mrcgq/raknet/internal/protocol"
)

type recordingHandler struct {
	connects    int
	disconnects []DisconnectReason
	payloads    [][]byte
}

func (h *recordingHandler) OnConnect(*Session) { h.connects++ }

func (h *recordingHandler) OnDisconnect(_ *Session, reason DisconnectReason) {
	h.disconnects = append(h.disconnects, reason)
}

func (h *recordingHandler) OnEncapsulated(_ *Session, p []byte) {
	h.payloads = append(h.payloads, p)
}

var (
	clientAddr = netip.MustParseAddrPort("10.0.0.2:40000")
	serverAddr = netip.MustParseAddrPort("10.0.0.1:19132")
)

// link 内存链路, 两端会话在测试 goroutine 上单线程驱动
type link struct {
	now time.Time

	client, server   *Session
	clientH, serverH *recordingHandler

	toClient, toServer [][]byte
	// drop 返回 true 的数据报被丢弃
	drop func(toServer bool, b []byte) bool

	sentToServer []int
}

func newLink(t *testing.T, cfg *Config, mtu int) *link {
	t.Helper()
	l := &link{
		now:     time.Unix(1000, 0),
		clientH: &recordingHandler{},
		serverH: &recordingHandler{},
	}
	submit := func(c command) error {
		switch c.kind {
		case cmdSend:
			c.session.reserved.Add(-int64(c.frames))
			return c.session.enqueue(c.payload, c.reliability, c.channel)
		case cmdClose:
			c.session.disconnect(ReasonClosed, l.now, true)
		}
		return nil
	}

	l.client = newSession(sessionParams{
		addr: serverAddr, local: clientAddr, guid: 2, localGUID: 1, mtu: mtu, client: true,
		cfg: cfg, handler: l.clientH, submit: submit, now: l.now,
		write: func(_ netip.AddrPort, b []byte) {
			if l.drop != nil && l.drop(true, b) {
				return
			}
			l.sentToServer = append(l.sentToServer, len(b))
			l.toServer = append(l.toServer, b)
		},
	})
	l.server = newSession(sessionParams{
		addr: clientAddr, local: serverAddr, guid: 1, localGUID: 2, mtu: mtu,
		cfg: cfg, handler: l.serverH, submit: submit, now: l.now,
		write: func(_ netip.AddrPort, b []byte) {
			if l.drop != nil && l.drop(false, b) {
				return
			}
			l.toClient = append(l.toClient, b)
		},
	})
	return l
}

// deliver 投递所有在途数据报
func (l *link) deliver() {
	for len(l.toServer) > 0 || len(l.toClient) > 0 {
		toServer, toClient := l.toServer, l.toClient
		l.toServer, l.toClient = nil, nil
		for _, b := range toServer {
			l.server.handle(b, l.now)
		}
		for _, b := range toClient {
			l.client.handle(b, l.now)
		}
	}
}

// step 推进一个 tick
func (l *link) step() {
	l.now = l.now.Add(TickInterval)
	l.client.tick(l.now)
	l.server.tick(l.now)
	l.deliver()
}

func (l *link) run(d time.Duration) {
	for end := l.now.Add(d); l.now.Before(end); {
		l.step()
	}
}

func (l *link) connect(t *testing.T) {
	t.Helper()
	l.client.requestConnection(l.now)
	l.run(100 * time.Millisecond)
	if l.client.State() != StateConnected || l.server.State() != StateConnected {
		t.Fatalf("握手未完成: client=%s server=%s", l.client.State(), l.server.State())
	}
}

func TestSessionHandshake(t *testing.T) {
	l := newLink(t, testConfig(), 1492)

	if err := l.client.Send([]byte{0x80}, protocol.Reliable, 0); !errors.Is(err, ErrConnNotReady) {
		t.Errorf("握手前发送应返回 ErrConnNotReady: got %v", err)
	}

	connected := false
	l.client.onConnected = func(*Session) { connected = true }
	l.connect(t)

	if l.clientH.connects != 1 || l.serverH.connects != 1 {
		t.Errorf("OnConnect 次数不匹配: client=%d server=%d", l.clientH.connects, l.serverH.connects)
	}
	if !connected {
		t.Error("onConnected 未触发")
	}
	if l.client.RTT() <= 0 {
		t.Error("握手后应有 RTT 采样")
	}
}

func TestSessionSendValidation(t *testing.T) {
	l := newLink(t, testConfig(), 1492)
	l.connect(t)

	tests := []struct {
		name    string
		payload []byte
		rel     protocol.Reliability
		channel uint8
		want    error
	}{
		{"空负载", nil, protocol.Reliable, 0, ErrEmptyPayload},
		{"保留 ID", []byte{protocol.IDConnectedPing, 1}, protocol.Reliable, 0, ErrReservedID},
		{"保留 ID Disconnect", []byte{protocol.IDDisconnect}, protocol.Reliable, 0, ErrReservedID},
		{"无效可靠性", []byte{0x80}, protocol.Reliability(9), 0, ErrInvalidReliability},
		{"通道越界", []byte{0x80}, protocol.ReliableOrdered, 32, ErrInvalidChannel},
		{"负载过大", make([]byte, 1<<20), protocol.ReliableOrdered, 0, ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.client.Send(tt.payload, tt.rel, tt.channel); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSessionLargePayload(t *testing.T) {
	const mtu = 1000
	l := newLink(t, testConfig(), mtu)
	l.connect(t)
	l.sentToServer = nil

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := l.client.Send(payload, protocol.ReliableOrdered, 0); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	l.run(50 * time.Millisecond)

	if len(l.serverH.payloads) != 1 || !bytes.Equal(l.serverH.payloads[0], payload) {
		t.Fatalf("服务端未收到完整负载: %d 条", len(l.serverH.payloads))
	}
	for _, n := range l.sentToServer {
		if n > mtu-protocol.UDPHeaderSize {
			t.Errorf("数据报 %d 字节超过 MTU 限制 %d", n, mtu-protocol.UDPHeaderSize)
		}
	}
}

func TestSessionOrderedUnderLoss(t *testing.T) {
	l := newLink(t, testConfig(), 1492)
	l.connect(t)

	// 丢弃第一个携带应用数据的数据报, 后续数据报触发 NACK
	dropped := false
	l.drop = func(toServer bool, b []byte) bool {
		if !toServer || dropped || protocol.IsAck(b) || protocol.IsNak(b) {
			return false
		}
		if bytes.Contains(b, []byte("msg-0")) {
			dropped = true
			return true
		}
		return false
	}

	for i := 0; i < 5; i++ {
		if err := l.client.Send([]byte("msg-"+string(rune('0'+i))), protocol.ReliableOrdered, 1); err != nil {
			t.Fatalf("Send 失败: %v", err)
		}
		l.step()
	}
	l.run(500 * time.Millisecond)

	if !dropped {
		t.Fatal("丢包条件未命中")
	}
	if len(l.serverH.payloads) != 5 {
		t.Fatalf("投递数量不匹配: got %d, want 5", len(l.serverH.payloads))
	}
	for i, p := range l.serverH.payloads {
		if want := "msg-" + string(rune('0'+i)); string(p) != want {
			t.Errorf("位置 %d: got %s, want %s", i, p, want)
		}
	}
	if l.client.Stats().Retransmits == 0 {
		t.Error("应发生重传")
	}
	if l.client.Stats().NaksReceived == 0 {
		t.Error("应收到 NACK")
	}
}

// dropFirstData 丢弃第一个超过 200 字节的客户端数据报
func dropFirstData(dropped *bool) func(bool, []byte) bool {
	return func(toServer bool, b []byte) bool {
		if !toServer || *dropped || len(b) <= 200 || protocol.IsAck(b) || protocol.IsNak(b) {
			return false
		}
		*dropped = true
		return true
	}
}

func numbered(i int) []byte {
	p := make([]byte, 8)
	p[0] = 0x80
	binary.BigEndian.PutUint32(p[4:], uint32(i))
	return p
}

func checkNumbered(t *testing.T, payloads [][]byte, n int) {
	t.Helper()
	if len(payloads) != n {
		t.Fatalf("投递数量不匹配: got %d, want %d", len(payloads), n)
	}
	for i, p := range payloads {
		if got := binary.BigEndian.Uint32(p[4:]); got != uint32(i) {
			t.Fatalf("位置 %d: got %d", i, got)
		}
	}
}

func TestSessionOrderedBurstWithLoss(t *testing.T) {
	const n = 2000

	for _, limit := range []int{DefaultMaxOrderedPending, 64} {
		t.Run(fmt.Sprintf("窗口 %d", limit), func(t *testing.T) {
			c := DefaultConfig()
			c.GUID = 1
			c.MaxOrderedPending = limit
			l := newLink(t, c.normalize(), 1492)
			l.connect(t)

			dropped := false
			l.drop = dropFirstData(&dropped)
			for i := 0; i < n; i++ {
				if err := l.client.Send(numbered(i), protocol.ReliableOrdered, 1); err != nil {
					t.Fatalf("Send %d 失败: %v", i, err)
				}
			}

			maxPending := 0
			for end := l.now.Add(3 * time.Second); l.now.Before(end); {
				l.step()
				if p := l.server.rel.pendingOrdered(); p > maxPending {
					maxPending = p
				}
			}

			if !dropped {
				t.Fatal("丢包条件未命中")
			}
			checkNumbered(t, l.serverH.payloads, n)
			if maxPending >= limit {
				t.Errorf("排序缓存超过窗口: got %d, limit %d", maxPending, limit)
			}
			if l.client.State() != StateConnected || l.server.State() != StateConnected {
				t.Errorf("会话不应断开: client=%s server=%s reasons=%v",
					l.client.State(), l.server.State(), l.serverH.disconnects)
			}
			if l.client.Stats().Retransmits == 0 {
				t.Error("应发生重传")
			}
		})
	}
}

func TestSessionOrderedWindowMismatch(t *testing.T) {
	// 接收方窗口小于发送方: 超出窗口的数据报不确认, 由重传补齐
	sender := DefaultConfig()
	sender.GUID = 1
	receiver := DefaultConfig()
	receiver.GUID = 1
	receiver.MaxOrderedPending = 8

	l := newLink(t, sender.normalize(), 1492)
	l.server = newSession(sessionParams{
		addr: clientAddr, local: serverAddr, guid: 1, localGUID: 2, mtu: 1492,
		cfg: receiver.normalize(), handler: l.serverH, submit: l.server.submit, now: l.now,
		write: l.server.write,
	})
	l.connect(t)

	dropped := false
	l.drop = func(toServer bool, b []byte) bool {
		if !toServer || dropped || !bytes.Contains(b, numbered(0)) {
			return false
		}
		dropped = true
		return true
	}

	const n = 30
	for i := 0; i < n; i++ {
		if err := l.client.Send(numbered(i), protocol.ReliableOrdered, 2); err != nil {
			t.Fatalf("Send %d 失败: %v", i, err)
		}
		l.step()
	}
	l.run(time.Second)

	if !dropped {
		t.Fatal("丢包条件未命中")
	}
	checkNumbered(t, l.serverH.payloads, n)
	if len(l.serverH.disconnects) != 0 || l.server.State() != StateConnected {
		t.Errorf("推迟不应计为违规: state=%s reasons=%v", l.server.State(), l.serverH.disconnects)
	}
}

func TestSessionStaleDatagram(t *testing.T) {
	// 数据报序号已滑出窗口时仍取出未收到的可靠帧
	cfg := DefaultConfig()
	cfg.GUID = 1
	cfg.ReliableWindow = 16
	l := newLink(t, cfg.normalize(), 1492)
	l.connect(t)
	l.serverH.payloads = nil

	l.server.receiveDatagram(&protocol.Datagram{Sequence: 1000}, l.now)
	if l.server.acks.classify(5) != datagramStale {
		t.Fatal("序号 5 应已滑出窗口")
	}

	stale := &protocol.Datagram{
		Sequence: 5,
		Frames: []protocol.Frame{
			{Reliability: protocol.Reliable, ReliableIndex: 10, Payload: numbered(7)},
			{Reliability: protocol.Unreliable, Payload: numbered(8)},
		},
	}
	l.server.receiveDatagram(stale, l.now)
	l.server.receiveDatagram(stale, l.now)

	if len(l.serverH.payloads) != 1 || !bytes.Equal(l.serverH.payloads[0], numbered(7)) {
		t.Errorf("应只交付一次可靠帧: %d 条", len(l.serverH.payloads))
	}
	if l.server.State() != StateConnected {
		t.Errorf("会话应保持连接: %s", l.server.State())
	}
}

func TestSessionResendExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResends = 3
	l := newLink(t, cfg.normalize(), 1492)
	l.connect(t)

	l.drop = func(toServer bool, b []byte) bool { return toServer }
	if err := l.client.Send([]byte{0x80, 1}, protocol.Reliable, 0); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	l.run(2 * time.Second)

	if l.client.State() != StateDisconnected {
		t.Fatalf("客户端应断开: %s", l.client.State())
	}
	if len(l.clientH.disconnects) != 1 || l.clientH.disconnects[0] != ReasonResendExhausted {
		t.Errorf("断开原因不匹配: %v", l.clientH.disconnects)
	}
	select {
	case <-l.client.Done():
	default:
		t.Error("Done 应已关闭")
	}
}

func TestSessionTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.PingInterval = 200 * time.Millisecond
	l := newLink(t, cfg.normalize(), 1492)
	l.connect(t)

	// 心跳维持连接
	l.run(2 * time.Second)
	if l.client.State() != StateConnected {
		t.Fatalf("有心跳时不应超时: %s", l.client.State())
	}

	l.drop = func(bool, []byte) bool { return true }
	l.run(1500 * time.Millisecond)

	for name, h := range map[string]*recordingHandler{"client": l.clientH, "server": l.serverH} {
		if len(h.disconnects) != 1 || h.disconnects[0] != ReasonTimeout {
			t.Errorf("%s 断开原因不匹配: %v", name, h.disconnects)
		}
	}
}

func TestSessionClose(t *testing.T) {
	l := newLink(t, testConfig(), 1492)
	l.connect(t)

	if err := l.client.Close(); err != nil {
		t.Fatalf("Close 失败: %v", err)
	}
	l.deliver()

	if len(l.clientH.disconnects) != 1 || l.clientH.disconnects[0] != ReasonClosed {
		t.Errorf("客户端断开原因不匹配: %v", l.clientH.disconnects)
	}
	if len(l.serverH.disconnects) != 1 || l.serverH.disconnects[0] != ReasonRemote {
		t.Errorf("服务端断开原因不匹配: %v", l.serverH.disconnects)
	}
	if err := l.client.Send([]byte{0x80}, protocol.Reliable, 0); !errors.Is(err, ErrConnClosed) {
		t.Errorf("关闭后发送应返回 ErrConnClosed: got %v", err)
	}
	if err := l.client.Close(); err != nil {
		t.Errorf("重复 Close 应返回 nil: got %v", err)
	}
}

func TestSessionSplitAbuse(t *testing.T) {
	cfg := testConfig()
	l := newLink(t, cfg, 1492)
	l.connect(t)

	for i := 0; i < cfg.MaxSplitViolations; i++ {
		f := protocol.Frame{
			Reliability:   protocol.Reliable,
			ReliableIndex: uint32(1000 + i),
			SplitCount:    uint32(cfg.MaxSplitCount + 1),
			SplitID:       uint16(i),
			Payload:       []byte{0xff},
		}
		l.server.handle(protocol.EncodeDatagram(uint32(1000+i), []protocol.Frame{f}), l.now)
	}

	if l.server.State() != StateDisconnected {
		t.Fatalf("分片违规后应断开: %s", l.server.State())
	}
	if len(l.serverH.disconnects) != 1 || l.serverH.disconnects[0] != ReasonSplitAbuse {
		t.Errorf("断开原因不匹配: %v", l.serverH.disconnects)
	}
}

func TestSessionMalformed(t *testing.T) {
	c := DefaultConfig()
	c.MaxMalformed = 3
	l := newLink(t, c.normalize(), 1492)
	l.connect(t)

	for i := 0; i < 3; i++ {
		l.server.handle([]byte{protocol.FlagValid, 0, 0}, l.now)
	}
	if len(l.serverH.disconnects) != 1 || l.serverH.disconnects[0] != ReasonProtocolError {
		t.Errorf("断开原因不匹配: %v", l.serverH.disconnects)
	}
}

func TestSessionResendWindow(t *testing.T) {
	c := DefaultConfig()
	c.ResendWindow = 2
	l := newLink(t, c.normalize(), 400)
	l.connect(t)

	l.drop = func(toServer bool, b []byte) bool { return !toServer }
	for i := 0; i < 4; i++ {
		// 每条负载占满一个数据报
		if err := l.client.Send(bytes.Repeat([]byte{0x80}, 300), protocol.Reliable, 0); err != nil {
			t.Fatalf("Send 失败: %v", err)
		}
	}
	l.step()

	if got := l.client.Stats().InFlight; got != 2 {
		t.Errorf("在途数据报应受窗口限制: got %d, want 2", got)
	}
	if got := l.client.Stats().Queued; got != 2 {
		t.Errorf("剩余帧应留在队列: got %d, want 2", got)
	}

	l.drop = nil
	l.run(500 * time.Millisecond)
	if len(l.serverH.payloads) != 4 {
		t.Errorf("窗口恢复后应全部送达: got %d", len(l.serverH.payloads))
	}
}
