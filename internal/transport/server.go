// =============================================================================
// 文件: internal/transport/server.go
// 描述: RakNet 服务端 - 离线握手 (ping/探测/建会话), 连接数与 GUID 登记
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

// 握手结果标签
const (
	HandshakeAccepted     = "accepted"
	HandshakeIncompatible = "incompatible"
	HandshakeBadMTU       = "bad_mtu"
	HandshakeDuplicate    = "already_connected"
	HandshakeFull         = "server_full"
	HandshakeTimedOut     = "timeout"
)

// Server 监听一个 UDP 端口并接受 RakNet 会话
type Server struct {
	cfg *Config
	d   *dispatcher
	log *logx.Logger

	count    atomic.Int32
	total    atomic.Uint64
	rejected atomic.Uint64

	// guids 客户端 GUID -> 地址, 跨分片共享
	guids sync.Map
	motd  atomic.Value

	closeOnce sync.Once
}

// Listen 在 addr 上启动服务端; ctx 取消时等同 Close
func Listen(ctx context.Context, addr string, cfg *Config, h Handler) (*Server, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s: %w", addr, err)
	}
	cfg = cfg.normalize()
	setupBuffers(conn, cfg.SocketBuffer, cfg.Logger.With("SERVER"))
	return serve(ctx, conn, cfg, h), nil
}

// serve 在已打开的套接字上运行服务端, cfg 必须已 normalize
func serve(ctx context.Context, conn packetConn, cfg *Config, h Handler) *Server {
	s := &Server{cfg: cfg}
	s.motd.Store(cfg.MOTD)
	s.d = newDispatcher(ctx, cfg, conn, h, "SERVER")
	s.d.role = s
	s.log = s.d.log
	s.d.start()

	s.log.Infof("监听 %s guid=%d workers=%d max_mtu=%d", s.d.local, cfg.GUID, cfg.Workers, cfg.MaxMTU)
	return s
}

// Addr 本地监听地址
func (s *Server) Addr() netip.AddrPort { return s.d.local }

// GUID 服务端 GUID
func (s *Server) GUID() uint64 { return s.cfg.GUID }

// SetMOTD 更新 UnconnectedPong 携带的描述
func (s *Server) SetMOTD(motd string) { s.motd.Store(motd) }

// MOTD 当前描述
func (s *Server) MOTD() string { return s.motd.Load().(string) }

// Sessions 当前会话数 (含握手中)
func (s *Server) Sessions() int { return int(s.count.Load()) }

// Close 断开全部会话 (ReasonShutdown) 并关闭套接字
func (s *Server) Close() error {
	s.closeOnce.Do(s.d.stop)
	return nil
}

// GetStats 获取统计
func (s *Server) GetStats() map[string]interface{} {
	stats := s.d.GetStats()
	stats["guid"] = s.cfg.GUID
	stats["connections"] = s.count.Load()
	stats["max_connections"] = s.cfg.MaxConnections
	stats["total_accepted"] = s.total.Load()
	stats["rejected"] = s.rejected.Load()
	return stats
}

// 采集器使用的数值访问器
func (s *Server) GetActiveSessions() int { return int(s.count.Load()) }
func (s *Server) GetMaxSessions() int { return s.cfg.MaxConnections }
func (s *Server) GetTotalAccepted() uint64 { return s.total.Load() }
func (s *Server) GetRejected() uint64 { return s.rejected.Load() }
func (s *Server) GetPacketsIn() uint64 { return atomic.LoadUint64(&s.d.packetsRecv) }
func (s *Server) GetPacketsOut() uint64 { return atomic.LoadUint64(&s.d.packetsSent) }
func (s *Server) GetBytesIn() uint64 { return atomic.LoadUint64(&s.d.bytesRecv) }
func (s *Server) GetBytesOut() uint64 { return atomic.LoadUint64(&s.d.bytesSent) }
func (s *Server) GetDropped() uint64 { return atomic.LoadUint64(&s.d.packetsDropped) }

// reserveSlot 占用一个连接名额
func (s *Server) reserveSlot() bool {
	for {
		n := s.count.Load()
		if int(n) >= s.cfg.MaxConnections {
			return false
		}
		if s.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Server) full() bool {
	return int(s.count.Load()) >= s.cfg.MaxConnections
}

func (s *Server) handleOffline(sh *shard, addr netip.AddrPort, b []byte, now time.Time) {
	m, err := protocol.Decode(b)
	if err != nil {
		s.cfg.Observer.Dropped(DropMalformed)
		s.log.Debugf("来自 %s 的离线消息无效: %v", addr, err)
		return
	}

	switch msg := m.(type) {
	case *protocol.UnconnectedPing:
		if msg.OpenConnections && s.full() {
			return
		}
		s.d.send(addr, &protocol.UnconnectedPong{
			Timestamp:  msg.Timestamp,
			ServerGUID: s.cfg.GUID,
			Data:       s.MOTD(),
		})

	case *protocol.OpenConnectionRequest1:
		s.openConnection1(addr, msg)

	case *protocol.OpenConnectionRequest2:
		s.openConnection2(sh, addr, msg, now)

	default:
		s.cfg.Observer.Dropped(DropUnexpected)
		s.log.Debugf("来自 %s 的意外离线消息 0x%02x", addr, m.ID())
	}
}

func (s *Server) openConnection1(addr netip.AddrPort, msg *protocol.OpenConnectionRequest1) {
	if msg.Protocol != protocol.ProtocolVersion {
		s.rejected.Add(1)
		s.cfg.Observer.HandshakeResult(HandshakeIncompatible)
		s.log.Debugf("%s 协议版本 %d 不兼容", addr, msg.Protocol)
		s.d.send(addr, &protocol.IncompatibleProtocolVersion{
			Protocol:   protocol.ProtocolVersion,
			ServerGUID: s.cfg.GUID,
		})
		return
	}

	mtu := int(msg.MTU)
	if mtu > s.cfg.MaxMTU {
		mtu = s.cfg.MaxMTU
	}
	if mtu < protocol.MinMTU {
		s.cfg.Observer.HandshakeResult(HandshakeBadMTU)
		return
	}
	s.d.send(addr, &protocol.OpenConnectionReply1{
		ServerGUID: s.cfg.GUID,
		MTU:        uint16(mtu),
	})
}

func (s *Server) openConnection2(sh *shard, addr netip.AddrPort, msg *protocol.OpenConnectionRequest2, now time.Time) {
	if existing, ok := sh.sessions[addr]; ok {
		// Reply2 丢失时客户端会重发请求
		if existing.State() == StateConnecting && existing.guid == msg.ClientGUID {
			s.reply2(addr, existing.mtu)
			return
		}
		s.reject(addr, HandshakeDuplicate, &protocol.AlreadyConnected{ServerGUID: s.cfg.GUID})
		return
	}

	mtu := int(msg.MTU)
	if mtu < protocol.MinMTU || mtu > s.cfg.MaxMTU {
		s.rejected.Add(1)
		s.cfg.Observer.HandshakeResult(HandshakeBadMTU)
		s.log.Debugf("%s 请求的 MTU %d 越界", addr, mtu)
		return
	}

	if v, ok := s.guids.Load(msg.ClientGUID); ok && v.(netip.AddrPort) != addr {
		s.reject(addr, HandshakeDuplicate, &protocol.AlreadyConnected{ServerGUID: s.cfg.GUID})
		return
	}
	if !s.reserveSlot() {
		s.reject(addr, HandshakeFull, &protocol.NoFreeIncomingConnections{ServerGUID: s.cfg.GUID})
		return
	}
	if v, loaded := s.guids.LoadOrStore(msg.ClientGUID, addr); loaded && v.(netip.AddrPort) != addr {
		s.count.Add(-1)
		s.reject(addr, HandshakeDuplicate, &protocol.AlreadyConnected{ServerGUID: s.cfg.GUID})
		return
	}

	sh.newSession(addr, msg.ClientGUID, mtu, false, now)
	s.total.Add(1)
	s.cfg.Observer.HandshakeResult(HandshakeAccepted)
	s.log.Debugf("%s 会话建立中: guid=%d mtu=%d", addr, msg.ClientGUID, mtu)
	s.reply2(addr, mtu)
}

func (s *Server) reply2(addr netip.AddrPort, mtu int) {
	s.d.send(addr, &protocol.OpenConnectionReply2{
		ServerGUID:    s.cfg.GUID,
		ClientAddress: addr,
		MTU:           uint16(mtu),
	})
}

func (s *Server) reject(addr netip.AddrPort, result string, m protocol.Message) {
	s.rejected.Add(1)
	s.cfg.Observer.HandshakeResult(result)
	s.log.Debugf("拒绝 %s: %s", addr, result)
	s.d.send(addr, m)
}

func (s *Server) tickOffline(*shard, time.Time) {}

func (s *Server) released(sess *Session) {
	s.count.Add(-1)
	s.guids.CompareAndDelete(sess.guid, sess.addr)
	if sess.reason == ReasonTimeout && !sess.connected {
		s.cfg.Observer.HandshakeResult(HandshakeTimedOut)
	}
	if sess.reason == ReasonSplitAbuse && s.cfg.Blocklist != nil {
		s.cfg.Blocklist.Block(sess.addr.Addr())
		s.log.Infof("%s 加入封禁列表", sess.addr.Addr())
	}
}

func (s *Server) shutdownReason() DisconnectReason { return ReasonShutdown }
