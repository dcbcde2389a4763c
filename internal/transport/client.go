// =============================================================================
// 文件: internal/transport/client.go
// 描述: RakNet 客户端 - MTU 探测阶梯、OpenConnectionRequest2 与连接请求
//   握手状态只在分片 goroutine 上推进, Dial 通过 result 通道等待结果
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
)

type dialPhase int

const (
	phaseProbing dialPhase = iota
	phaseRequesting
	phaseConnecting
	phaseDone
)

// Client 到单个服务端的连接
type Client struct {
	cfg    *Config
	d      *dispatcher
	log    *logx.Logger
	remote netip.AddrPort

	session atomic.Pointer[Session]
	result  chan error

	// 以下字段仅由分片 goroutine 访问
	phase    dialPhase
	probes   []int
	probeIdx int
	attempts int
	lastSent time.Time
	started  time.Time
	mtu      int

	closeOnce sync.Once
}

// Dial 连接 addr 并完成握手, ctx 只约束握手过程
func Dial(ctx context.Context, addr string, cfg *Config, h Handler) (*Client, error) {
	return NewDialer(cfg, h).Dial(ctx, addr)
}

// resolve 解析远端地址, IPv4-mapped 地址还原为 IPv4
func resolve(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("解析地址 %s: %w", addr, err)
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// listenFor 打开与远端地址族一致的本地套接字
func listenFor(remote netip.AddrPort) (*net.UDPConn, error) {
	network := "udp6"
	if remote.Addr().Is4() {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("打开本地套接字: %w", err)
	}
	return conn, nil
}

func dial(ctx context.Context, addr string, cfg *Config, h Handler) (*Client, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	remote, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	conn, err := listenFor(remote)
	if err != nil {
		return nil, err
	}
	cfg = cfg.normalize()
	setupBuffers(conn, cfg.SocketBuffer, cfg.Logger.With("CLIENT"))
	return dialConn(ctx, conn, remote, cfg, h)
}

// dialConn 在已打开的套接字上握手, cfg 必须已 normalize
func dialConn(ctx context.Context, conn packetConn, remote netip.AddrPort, cfg *Config, h Handler) (*Client, error) {
	now := time.Now()
	c := &Client{
		cfg:     cfg,
		remote:  remote,
		result:  make(chan error, 1),
		probes:  probeLadder(cfg.MTUProbes, cfg.MaxMTU),
		started: now,
	}

	// 客户端只有一个会话, 固定单分片
	single := *cfg
	single.Workers = 1
	c.d = newDispatcher(context.WithoutCancel(ctx), &single, conn, h, "CLIENT")
	c.d.role = c
	c.log = c.d.log
	c.d.start()

	c.log.Debugf("拨号 %s, MTU 阶梯 %v", remote, c.probes)

	select {
	case err := <-c.result:
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// probeLadder 过滤出 [MinMTU, maxMTU] 内的探测值, 保持原顺序
func probeLadder(probes []int, maxMTU int) []int {
	out := make([]int, 0, len(probes))
	for _, p := range probes {
		if p >= protocol.MinMTU && p <= maxMTU {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = append(out, maxMTU)
	}
	return out
}

// Session 握手完成后的会话
func (c *Client) Session() *Session { return c.session.Load() }

// Send 通过会话发送
func (c *Client) Send(b []byte, r protocol.Reliability, channel uint8) error {
	s := c.session.Load()
	if s == nil {
		return ErrConnNotReady
	}
	return s.Send(b, r, channel)
}

// LocalAddr 本地地址
func (c *Client) LocalAddr() netip.AddrPort { return c.d.local }

// RemoteAddr 服务端地址
func (c *Client) RemoteAddr() netip.AddrPort { return c.remote }

// Close 向服务端发送 Disconnect 并关闭套接字
func (c *Client) Close() error {
	c.closeOnce.Do(c.d.stop)
	return nil
}

// GetStats 获取统计
func (c *Client) GetStats() map[string]interface{} {
	stats := c.d.GetStats()
	stats["remote"] = c.remote.String()
	if s := c.session.Load(); s != nil {
		stats["session"] = s.Stats()
	}
	return stats
}

// finish 结束握手, 只生效一次
func (c *Client) finish(err error) {
	if c.phase == phaseDone {
		return
	}
	c.phase = phaseDone
	if err != nil {
		c.log.Debugf("握手失败: %v", err)
	}
	c.result <- err
}

func (c *Client) sendProbe(now time.Time) {
	c.d.send(c.remote, &protocol.OpenConnectionRequest1{
		Protocol: protocol.ProtocolVersion,
		MTU:      uint16(c.probes[c.probeIdx]),
	})
	c.attempts++
	c.lastSent = now
}

func (c *Client) sendRequest2(now time.Time) {
	c.d.send(c.remote, &protocol.OpenConnectionRequest2{
		ServerAddress: c.remote,
		MTU:           uint16(c.mtu),
		ClientGUID:    c.cfg.GUID,
	})
	c.attempts++
	c.lastSent = now
}

func (c *Client) tickOffline(_ *shard, now time.Time) {
	if c.phase == phaseDone {
		return
	}
	if now.Sub(c.started) > c.cfg.HandshakeTimeout {
		c.cfg.Observer.HandshakeResult(HandshakeTimedOut)
		c.finish(ErrHandshakeTimeout)
		return
	}
	if !c.lastSent.IsZero() && now.Sub(c.lastSent) < c.cfg.ProbeInterval {
		return
	}

	switch c.phase {
	case phaseProbing:
		if c.attempts >= c.cfg.ProbeAttempts {
			c.probeIdx++
			c.attempts = 0
			if c.probeIdx >= len(c.probes) {
				c.finish(fmt.Errorf("%w: MTU 探测无回应", ErrHandshakeTimeout))
				return
			}
			c.log.Debugf("MTU %d 无回应, 尝试 %d", c.probes[c.probeIdx-1], c.probes[c.probeIdx])
		}
		c.sendProbe(now)

	case phaseRequesting:
		if c.attempts >= c.cfg.ProbeAttempts {
			c.finish(fmt.Errorf("%w: OpenConnectionRequest2 无回应", ErrHandshakeTimeout))
			return
		}
		c.sendRequest2(now)
	}
}

func (c *Client) handleOffline(sh *shard, addr netip.AddrPort, b []byte, now time.Time) {
	if addr != c.remote {
		c.cfg.Observer.Dropped(DropUnexpected)
		return
	}
	m, err := protocol.Decode(b)
	if err != nil {
		c.cfg.Observer.Dropped(DropMalformed)
		c.log.Debugf("离线消息无效: %v", err)
		return
	}

	switch msg := m.(type) {
	case *protocol.OpenConnectionReply1:
		if c.phase != phaseProbing {
			return
		}
		mtu := minInt(int(msg.MTU), c.probes[c.probeIdx], c.cfg.MaxMTU)
		if mtu < protocol.MinMTU {
			c.finish(fmt.Errorf("%w: 服务端 MTU %d", ErrIncompatibleProtocol, msg.MTU))
			return
		}
		c.mtu = mtu
		c.phase = phaseRequesting
		c.attempts = 0
		c.sendRequest2(now)

	case *protocol.OpenConnectionReply2:
		if c.phase != phaseRequesting {
			return
		}
		mtu := minInt(int(msg.MTU), c.mtu)
		if mtu < protocol.MinMTU {
			c.finish(fmt.Errorf("%w: 服务端 MTU %d", ErrIncompatibleProtocol, msg.MTU))
			return
		}
		c.phase = phaseConnecting
		s := sh.newSession(c.remote, msg.ServerGUID, mtu, true, now)
		s.onConnected = func(s *Session) {
			c.session.Store(s)
			c.cfg.Observer.HandshakeResult(HandshakeAccepted)
			c.finish(nil)
		}
		s.requestConnection(now)
		s.flush(now)

	case *protocol.IncompatibleProtocolVersion:
		c.cfg.Observer.HandshakeResult(HandshakeIncompatible)
		c.finish(fmt.Errorf("%w: 服务端协议 %d, 本端 %d", ErrIncompatibleProtocol, msg.Protocol, protocol.ProtocolVersion))

	case *protocol.AlreadyConnected:
		c.cfg.Observer.HandshakeResult(HandshakeDuplicate)
		c.finish(ErrAlreadyConnected)

	case *protocol.NoFreeIncomingConnections:
		c.cfg.Observer.HandshakeResult(HandshakeFull)
		c.finish(ErrServerFull)

	default:
		c.cfg.Observer.Dropped(DropUnexpected)
	}
}

func (c *Client) released(s *Session) {
	if c.phase != phaseDone {
		c.finish(&DisconnectError{Reason: s.reason})
		return
	}
	// 已建立的会话结束后释放套接字; stop 会等待本分片退出, 不能同步调用
	if s.connected {
		go c.Close()
	}
}

func (c *Client) shutdownReason() DisconnectReason { return ReasonClosed }

func minInt(v int, rest ...int) int {
	for _, r := range rest {
		if r < v {
			v = r
		}
	}
	return v
}
