// =============================================================================
// 文件: internal/transport/shard.go
// 描述: 分片 - 独占一组会话, 单 goroutine 处理入站数据报、命令与 10ms tick
// =============================================================================
package transport

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
)

type inbound struct {
	addr netip.AddrPort
	data []byte
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdClose
)

// command 从用户 goroutine 投递到分片的操作
type command struct {
	kind        cmdKind
	session     *Session
	payload     []byte
	reliability protocol.Reliability
	channel     uint8
	frames      int
}

type shard struct {
	id       int
	d        *dispatcher
	inbox    chan inbound
	cmds     chan command
	sessions map[netip.AddrPort]*Session
	count    int32
	log      *logx.Logger
	done     chan struct{}
}

func newShard(id int, d *dispatcher) *shard {
	return &shard{
		id:       id,
		d:        d,
		inbox:    make(chan inbound, d.cfg.InboxSize),
		cmds:     make(chan command, d.cfg.CommandQueueSize),
		sessions: make(map[netip.AddrPort]*Session),
		log:      d.log.With(fmt.Sprintf("SHARD-%d", id)),
		done:     make(chan struct{}),
	}
}

func (sh *shard) run() {
	defer sh.d.wg.Done()
	defer close(sh.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sh.d.ctx.Done():
			sh.shutdown(time.Now())
			return
		case in := <-sh.inbox:
			sh.handle(in, time.Now())
		case c := <-sh.cmds:
			sh.exec(c, time.Now())
		case now := <-ticker.C:
			sh.tick(now)
		}
	}
}

// submit 投递命令; 发送命令在队列满时立即失败, 关闭命令等待入队
func (sh *shard) submit(c command) error {
	if c.kind == cmdClose {
		select {
		case sh.cmds <- c:
			return nil
		case <-sh.done:
			return ErrConnClosed
		}
	}
	select {
	case sh.cmds <- c:
		return nil
	case <-sh.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

func (sh *shard) handle(in inbound, now time.Time) {
	s, ok := sh.sessions[in.addr]
	if ok && protocol.IsOnline(in.data) {
		s.handle(in.data, now)
		sh.reap(s)
		return
	}
	if protocol.IsOnline(in.data) {
		sh.d.cfg.Observer.Dropped(DropNoSession)
		return
	}
	sh.d.role.handleOffline(sh, in.addr, in.data, now)
}

func (sh *shard) exec(c command, now time.Time) {
	s := c.session
	switch c.kind {
	case cmdSend:
		s.reserved.Add(-int64(c.frames))
		if s.State() != StateConnected {
			return
		}
		if err := s.enqueue(c.payload, c.reliability, c.channel); err != nil {
			s.log.Errorf("入队失败: %v", err)
		}
	case cmdClose:
		s.disconnect(ReasonClosed, now, true)
		sh.reap(s)
	}
}

func (sh *shard) tick(now time.Time) {
	for _, s := range sh.sessions {
		if s.tick(now) {
			sh.reap(s)
		}
	}
	sh.d.role.tickOffline(sh, now)
}

// newSession 在本分片上创建会话
func (sh *shard) newSession(addr netip.AddrPort, guid uint64, mtu int, client bool, now time.Time) *Session {
	s := newSession(sessionParams{
		addr:      addr,
		local:     sh.d.local,
		guid:      guid,
		localGUID: sh.d.cfg.GUID,
		mtu:       mtu,
		client:    client,
		cfg:       sh.d.cfg,
		handler:   sh.d.handler,
		write:     sh.d.write,
		submit:    sh.submit,
		now:       now,
	})
	sh.sessions[addr] = s
	atomic.AddInt32(&sh.count, 1)
	sh.d.cfg.Observer.SessionOpened()
	return s
}

// reap 移除已结束的会话
func (sh *shard) reap(s *Session) {
	if s.State() != StateDisconnected {
		return
	}
	if cur, ok := sh.sessions[s.addr]; !ok || cur != s {
		return
	}
	delete(sh.sessions, s.addr)
	atomic.AddInt32(&sh.count, -1)
	sh.d.cfg.Observer.SessionClosed(s.reason, time.Since(s.createdAt))
	sh.d.role.released(s)
}

// shutdown 断开全部会话并通知对端
func (sh *shard) shutdown(now time.Time) {
	reason := sh.d.role.shutdownReason()
	for _, s := range sh.sessions {
		s.disconnect(reason, now, true)
		sh.reap(s)
	}
}
