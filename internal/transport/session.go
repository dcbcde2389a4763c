// =============================================================================
// 文件: internal/transport/session.go
// 描述: 会话 - 组合可靠性引擎与确认追踪, 处理连接态控制消息
//   除标注为并发安全的方法外, 仅由所属分片 goroutine 访问
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/mrcgq/raknet/internal/congestion"
	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
)

// sessionParams 创建会话所需参数
type sessionParams struct {
	addr      netip.AddrPort
	local     netip.AddrPort
	guid      uint64
	localGUID uint64
	mtu       int
	client    bool
	cfg       *Config
	handler   Handler
	// write 将数据报写入套接字
	write func(addr netip.AddrPort, b []byte)
	// submit 将命令投递到所属分片, 为 nil 时公共方法返回 ErrConnNotReady
	submit func(command) error
	now    time.Time
}

type sessionCounters struct {
	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	retransmits       atomic.Uint64
	duplicates        atomic.Uint64
	acksReceived      atomic.Uint64
	naksReceived      atomic.Uint64
	delivered         atomic.Uint64
}

// Session 单个远端连接
type Session struct {
	addr      netip.AddrPort
	local     netip.AddrPort
	guid      uint64
	localGUID uint64
	mtu       int
	client    bool

	cfg     *Config
	log     *logx.Logger
	obs     Observer
	handler Handler
	write   func(addr netip.AddrPort, b []byte)
	submit  func(command) error

	state    atomic.Int32
	rttNanos atomic.Int64
	inFlight atomic.Int64
	queued   atomic.Int64
	reserved atomic.Int64
	lastSeen atomic.Int64

	rtt   *congestion.RTTEstimator
	rel   *reliability
	acks  *ackTracker
	queue []protocol.Frame

	createdAt    time.Time
	lastActivity time.Time
	lastPing     time.Time

	connected  bool
	reason     DisconnectReason
	malformed  int
	violations int

	// onConnected 客户端拨号等待方
	onConnected func(*Session)
	done        chan struct{}

	stats sessionCounters
}

func newSession(p sessionParams) *Session {
	s := &Session{
		addr:         p.addr,
		local:        p.local,
		guid:         p.guid,
		localGUID:    p.localGUID,
		mtu:          p.mtu,
		client:       p.client,
		cfg:          p.cfg,
		log:          p.cfg.Logger.With(fmt.Sprintf("SESSION %s", p.addr)),
		obs:          p.cfg.Observer,
		handler:      p.handler,
		write:        p.write,
		submit:       p.submit,
		rtt:          congestion.NewRTTEstimator(p.cfg.RTOMin, p.cfg.RTOMax),
		rel:          newReliability(p.cfg, p.mtu),
		acks:         newAckTracker(p.cfg),
		createdAt:    p.now,
		lastActivity: p.now,
		lastPing:     p.now,
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.lastSeen.Store(p.now.UnixNano())
	return s
}

// Addr 远端地址 (并发安全)
func (s *Session) Addr() netip.AddrPort { return s.addr }

// GUID 远端 GUID (并发安全)
func (s *Session) GUID() uint64 { return s.guid }

// MTU 协商后的 MTU (并发安全)
func (s *Session) MTU() int { return s.mtu }

// State 当前状态 (并发安全)
func (s *Session) State() State { return State(s.state.Load()) }

// RTT 平滑 RTT (并发安全)
func (s *Session) RTT() time.Duration { return time.Duration(s.rttNanos.Load()) }

// Done 会话结束时关闭 (并发安全)
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats 统计快照 (并发安全)
func (s *Session) Stats() SessionStats {
	return SessionStats{
		DatagramsSent:     s.stats.datagramsSent.Load(),
		DatagramsReceived: s.stats.datagramsReceived.Load(),
		BytesSent:         s.stats.bytesSent.Load(),
		BytesReceived:     s.stats.bytesReceived.Load(),
		Retransmits:       s.stats.retransmits.Load(),
		Duplicates:        s.stats.duplicates.Load(),
		AcksReceived:      s.stats.acksReceived.Load(),
		NaksReceived:      s.stats.naksReceived.Load(),
		Delivered:         s.stats.delivered.Load(),
		State:             s.State().String(),
		MTU:               s.mtu,
		SRTT:              s.rtt.GetSmoothedRTT(),
		RTO:               s.rtt.GetRTO(),
		InFlight:          int(s.inFlight.Load()),
		Queued:            int(s.queued.Load()),
		LastActivity:      time.Unix(0, s.lastSeen.Load()),
		Uptime:            time.Since(s.createdAt),
	}
}

// Send 发送应用层负载 (并发安全); 负载会被复制
func (s *Session) Send(b []byte, r protocol.Reliability, channel uint8) error {
	switch s.State() {
	case StateConnecting:
		return ErrConnNotReady
	case StateDisconnecting, StateDisconnected:
		return ErrConnClosed
	}
	if len(b) == 0 {
		return ErrEmptyPayload
	}
	if protocol.IsConnectedControl(b[0]) {
		return fmt.Errorf("%w: 0x%02x", ErrReservedID, b[0])
	}
	if !r.Valid() {
		return ErrInvalidReliability
	}
	if int(channel) >= protocol.MaxChannels {
		return ErrInvalidChannel
	}

	n := fragmentCount(s.mtu, len(b), r)
	if n > s.cfg.MaxSplitCount {
		return fmt.Errorf("%w: %d 字节需要 %d 个分片", ErrPayloadTooLarge, len(b), n)
	}
	if s.queued.Load()+s.reserved.Load()+int64(n) > int64(s.cfg.MaxQueuedFrames) {
		return ErrSendQueueFull
	}
	if s.submit == nil {
		return ErrConnNotReady
	}

	s.reserved.Add(int64(n))
	payload := append([]byte(nil), b...)
	if err := s.submit(command{kind: cmdSend, session: s, payload: payload, reliability: r, channel: channel, frames: n}); err != nil {
		s.reserved.Add(-int64(n))
		return err
	}
	return nil
}

// Close 主动断开 (并发安全)
func (s *Session) Close() error {
	if s.State() >= StateDisconnecting {
		return nil
	}
	if s.submit == nil {
		return ErrConnNotReady
	}
	return s.submit(command{kind: cmdClose, session: s})
}

// fragmentCount 负载在给定 MTU 下的帧数
func fragmentCount(mtu, size int, r protocol.Reliability) int {
	base := mtu - protocol.UDPHeaderSize - protocol.DatagramHeaderSize
	if size <= base-protocol.FrameHeaderSize(r, false) {
		return 1
	}
	frag := base - protocol.FrameHeaderSize(splitReliability(r), true)
	return (size + frag - 1) / frag
}

// timestamp 会话内毫秒时间戳
func (s *Session) timestamp(now time.Time) int64 {
	return now.Sub(s.createdAt).Milliseconds()
}

// ---------------------------------------------------------------------------
// 以下方法仅在分片 goroutine 上调用
// ---------------------------------------------------------------------------

// enqueue 应用层负载入队
func (s *Session) enqueue(payload []byte, r protocol.Reliability, channel uint8) error {
	frames, err := s.rel.frames(payload, r, channel)
	if err != nil {
		return err
	}
	s.queue = append(s.queue, frames...)
	s.queued.Store(int64(len(s.queue)))
	return nil
}

// sendMessage 控制消息入队, 不受发送队列上限约束
func (s *Session) sendMessage(m protocol.Message, r protocol.Reliability) {
	if err := s.enqueue(protocol.Encode(m), r, 0); err != nil {
		s.log.Errorf("控制消息 0x%02x 入队失败: %v", m.ID(), err)
	}
}

// handle 处理一个连接态数据报
func (s *Session) handle(b []byte, now time.Time) {
	if s.State() >= StateDisconnecting {
		return
	}
	s.lastActivity = now
	s.lastSeen.Store(now.UnixNano())
	s.stats.datagramsReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(len(b)))
	s.obs.DatagramReceived(len(b))

	switch {
	case protocol.IsAck(b):
		records, err := protocol.DecodeAck(b)
		if err != nil {
			s.malformedPacket(err, now)
			return
		}
		s.stats.acksReceived.Add(1)
		s.acks.onAck(records, now, s.sampleRTT)
		s.inFlight.Store(int64(s.acks.inFlight()))

	case protocol.IsNak(b):
		records, err := protocol.DecodeAck(b)
		if err != nil {
			s.malformedPacket(err, now)
			return
		}
		s.stats.naksReceived.Add(1)
		s.acks.onNak(records, now, func(data []byte) { s.resend(data, "nack") })

	default:
		d, err := protocol.DecodeDatagram(b)
		if err != nil {
			s.malformedPacket(err, now)
			return
		}
		s.receiveDatagram(&d, now)
	}
}

// receiveDatagram 帧全部处理完才确认序号; 有帧被推迟时不确认, 对端以原序号重传,
// 已接收的帧届时按可靠序号去重
func (s *Session) receiveDatagram(d *protocol.Datagram, now time.Time) {
	status := s.acks.classify(d.Sequence)
	if status == datagramDuplicate {
		s.acks.onDatagram(d.Sequence, now)
		s.stats.duplicates.Add(1)
		s.obs.Dropped(DropDuplicate)
		return
	}

	deliver := func(p []byte) { s.handlePayload(p, now) }
	deferred := false
	for i := range d.Frames {
		if s.State() >= StateDisconnecting {
			return
		}
		f := &d.Frames[i]
		// 滑出窗口的数据报只取可靠帧, 可靠序号窗口负责去重
		if status == datagramStale && !f.Reliability.IsReliable() {
			continue
		}
		if !s.receiveFrame(f, deliver, now) {
			deferred = true
		}
	}
	if s.State() >= StateDisconnecting {
		return
	}

	if deferred {
		s.acks.reject(d.Sequence, now)
		return
	}
	s.acks.onDatagram(d.Sequence, now)
}

// receiveFrame 返回 false 表示帧超出排序窗口, 所在数据报不能确认
func (s *Session) receiveFrame(f *protocol.Frame, deliver func([]byte), now time.Time) bool {
	res, err := s.rel.receive(f, deliver)
	switch res {
	case resultDuplicate:
		s.stats.duplicates.Add(1)
		s.obs.Dropped(DropDuplicate)
	case resultStale:
		s.obs.Dropped(DropStale)
	case resultDeferred:
		s.obs.Dropped(DropOrderedOverrun)
		return false
	}
	if err == nil {
		return true
	}

	s.log.Debugf("帧被拒绝: %v", err)
	switch {
	case errors.Is(err, errSplitViolation):
		s.obs.Dropped(DropSplitLimit)
		s.violations++
		if s.violations >= s.cfg.MaxSplitViolations {
			s.log.Infof("分片违规 %d 次, 断开", s.violations)
			s.disconnect(ReasonSplitAbuse, now, true)
		}
	}
	return true
}

// handlePayload 处理重组排序后的负载
func (s *Session) handlePayload(p []byte, now time.Time) {
	if len(p) == 0 {
		return
	}
	if protocol.IsConnectedControl(p[0]) {
		s.handleControl(p, now)
		return
	}
	if s.State() != StateConnected {
		s.obs.Dropped(DropNotConnected)
		return
	}
	s.stats.delivered.Add(1)
	s.handler.OnEncapsulated(s, p)
}

func (s *Session) handleControl(p []byte, now time.Time) {
	m, err := protocol.Decode(p)
	if err != nil {
		s.malformedPacket(err, now)
		return
	}

	switch msg := m.(type) {
	case *protocol.ConnectedPing:
		s.sendMessage(&protocol.ConnectedPong{PingTimestamp: msg.Timestamp, PongTimestamp: s.timestamp(now)}, protocol.Unreliable)

	case *protocol.ConnectedPong:
		if d := s.timestamp(now) - msg.PingTimestamp; d >= 0 {
			s.sampleRTT(time.Duration(d) * time.Millisecond)
		}

	case *protocol.ConnectionRequest:
		if s.client || s.State() != StateConnecting {
			return
		}
		if msg.ClientGUID != s.guid {
			s.log.Infof("ConnectionRequest GUID %d 与握手 GUID %d 不一致", msg.ClientGUID, s.guid)
		}
		s.sendMessage(&protocol.ConnectionRequestAccepted{
			ClientAddress:     s.addr,
			SystemAddresses:   protocol.SystemAddresses(s.local),
			RequestTimestamp:  msg.Timestamp,
			AcceptedTimestamp: s.timestamp(now),
		}, protocol.ReliableOrdered)

	case *protocol.NewIncomingConnection:
		if s.client || s.State() != StateConnecting {
			return
		}
		s.markConnected(now)

	case *protocol.ConnectionRequestAccepted:
		if !s.client || s.State() != StateConnecting {
			return
		}
		s.sendMessage(&protocol.NewIncomingConnection{
			ServerAddress:     s.addr,
			InternalAddresses: protocol.SystemAddresses(s.local),
			RequestTimestamp:  msg.AcceptedTimestamp,
			AcceptedTimestamp: s.timestamp(now),
		}, protocol.ReliableOrdered)
		s.markConnected(now)

	case *protocol.Disconnect:
		s.disconnect(ReasonRemote, now, false)
	}
}

// requestConnection 客户端在 OpenConnectionReply2 后发送 ConnectionRequest
func (s *Session) requestConnection(now time.Time) {
	s.sendMessage(&protocol.ConnectionRequest{ClientGUID: s.localGUID, Timestamp: s.timestamp(now)}, protocol.Reliable)
}

func (s *Session) markConnected(now time.Time) {
	s.state.Store(int32(StateConnected))
	s.connected = true
	s.lastPing = now
	s.log.Infof("连接建立: guid=%d mtu=%d", s.guid, s.mtu)
	s.handler.OnConnect(s)
	if s.onConnected != nil {
		s.onConnected(s)
	}
}

func (s *Session) sampleRTT(d time.Duration) {
	s.rtt.Update(d)
	s.rttNanos.Store(int64(s.rtt.GetSmoothedRTT()))
	s.obs.RTTSample(d)
}

func (s *Session) malformedPacket(err error, now time.Time) {
	s.obs.Dropped(DropMalformed)
	s.malformed++
	s.log.Debugf("畸形数据: %v", err)
	if s.malformed >= s.cfg.MaxMalformed {
		s.disconnect(ReasonProtocolError, now, true)
	}
}

// tick 周期处理, 返回 true 表示会话已结束
func (s *Session) tick(now time.Time) bool {
	switch s.State() {
	case StateDisconnected:
		return true
	case StateConnecting:
		if now.Sub(s.createdAt) > s.cfg.HandshakeTimeout {
			s.log.Debugf("握手超时")
			s.disconnect(ReasonTimeout, now, false)
			return true
		}
	case StateConnected:
		if now.Sub(s.lastPing) >= s.cfg.PingInterval {
			s.sendMessage(&protocol.ConnectedPing{Timestamp: s.timestamp(now)}, protocol.Unreliable)
			s.lastPing = now
		}
	}

	if now.Sub(s.lastActivity) > s.cfg.Timeout {
		s.log.Infof("连接超时: 最后活动 %v 前", now.Sub(s.lastActivity))
		s.disconnect(ReasonTimeout, now, false)
		return true
	}

	if records := s.acks.flushAcks(); len(records) > 0 {
		for _, b := range protocol.EncodeAcks(protocol.FlagAck, records, s.mtu) {
			s.writeRaw(b)
		}
		s.obs.AckSent(len(records))
	}
	if records := s.acks.flushNaks(now); len(records) > 0 {
		for _, b := range protocol.EncodeAcks(protocol.FlagNak, records, s.mtu) {
			s.writeRaw(b)
		}
		s.obs.NakSent(len(records))
	}

	if _, err := s.acks.resendExpired(now, s.rtt.GetRTO(), func(data []byte) { s.resend(data, "timeout") }); err != nil {
		s.log.Infof("重传 %d 次未确认, 断开", s.cfg.MaxResends)
		s.disconnect(ReasonResendExhausted, now, false)
		return true
	}

	s.flush(now)
	return s.State() == StateDisconnected
}

// flush 将队列中的帧打包成数据报发出.
// 可靠帧与不可靠帧分开打包, 仅可靠数据报进入重传历史; 重传窗口满时可靠帧留在队列中.
func (s *Session) flush(now time.Time) {
	if len(s.queue) == 0 {
		return
	}

	limit := s.mtu - protocol.UDPHeaderSize - protocol.DatagramHeaderSize
	var reliable, unreliable, remaining []protocol.Frame
	relSize, unrelSize := 0, 0
	blocked := false

	for _, f := range s.queue {
		size := f.Size()
		if !f.Reliability.IsReliable() {
			if unrelSize+size > limit && len(unreliable) > 0 {
				s.emit(unreliable, false, now)
				unreliable, unrelSize = nil, 0
			}
			unreliable = append(unreliable, f)
			unrelSize += size
			continue
		}

		if blocked {
			remaining = append(remaining, f)
			continue
		}
		if relSize+size > limit && len(reliable) > 0 {
			s.emit(reliable, true, now)
			reliable, relSize = nil, 0
		}
		if s.acks.inFlight() >= s.cfg.ResendWindow {
			blocked = true
			remaining = append(remaining, f)
			continue
		}
		// 超出排序窗口的帧留在队列, 其他通道不受影响
		if !s.acks.canSend(&f) {
			remaining = append(remaining, f)
			continue
		}
		reliable = append(reliable, f)
		relSize += size
	}
	if len(reliable) > 0 {
		s.emit(reliable, true, now)
	}
	if len(unreliable) > 0 {
		s.emit(unreliable, false, now)
	}

	s.queue = remaining
	s.queued.Store(int64(len(s.queue)))
	s.inFlight.Store(int64(s.acks.inFlight()))
}

func (s *Session) emit(frames []protocol.Frame, reliable bool, now time.Time) {
	seq := s.acks.nextSequence()
	data := protocol.EncodeDatagram(seq, frames)
	if reliable {
		s.acks.track(seq, data, now, frames...)
	}
	s.writeRaw(data)
}

func (s *Session) resend(data []byte, cause string) {
	s.stats.retransmits.Add(1)
	s.obs.Retransmit(cause)
	s.writeRaw(data)
}

func (s *Session) writeRaw(b []byte) {
	s.stats.datagramsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(b)))
	s.obs.DatagramSent(len(b))
	s.write(s.addr, b)
}

// disconnect 结束会话; notify 为 true 时先向对端发送 Disconnect.
// 重传历史、排序与重组缓冲在同一步内清空, 之后不再投递任何负载.
func (s *Session) disconnect(reason DisconnectReason, now time.Time, notify bool) {
	if s.State() >= StateDisconnecting {
		return
	}
	s.state.Store(int32(StateDisconnecting))
	s.reason = reason

	if notify {
		if frames, err := s.rel.frames(protocol.Encode(&protocol.Disconnect{}), protocol.ReliableOrdered, 0); err == nil {
			s.writeRaw(protocol.EncodeDatagram(s.acks.nextSequence(), frames))
		}
	}

	s.acks.reset()
	s.rel.reset()
	s.queue = nil
	s.queued.Store(0)
	s.inFlight.Store(0)
	s.state.Store(int32(StateDisconnected))
	close(s.done)

	s.log.Infof("断开: %s", reason)
	if s.connected {
		s.handler.OnDisconnect(s, reason)
	}
}
