// =============================================================================
// 文件: internal/transport/dispatcher.go
// 描述: 套接字读循环与分片调度, 服务端与客户端共用
//   数据报按远端地址哈希路由到固定分片, 同一会话始终由同一 goroutine 处理
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
)

const (
	// readBufferSize 大于最大 MTU, 超长数据报截断后按畸形处理
	readBufferSize = 2048
	readDeadline   = time.Second

	minSocketBuffer = 64 * 1024
)

// packetConn dispatcher 依赖的套接字能力, 测试中可包装以模拟丢包
type packetConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// role 服务端/客户端对离线消息与会话释放的处理
type role interface {
	handleOffline(sh *shard, addr netip.AddrPort, b []byte, now time.Time)
	tickOffline(sh *shard, now time.Time)
	released(s *Session)
	shutdownReason() DisconnectReason
}

type dispatcher struct {
	cfg     *Config
	conn    packetConn
	local   netip.AddrPort
	handler Handler
	role    role
	shards  []*shard
	log     *logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32

	packetsRecv    uint64
	packetsSent    uint64
	bytesRecv      uint64
	bytesSent      uint64
	packetsDropped uint64
}

func newDispatcher(ctx context.Context, cfg *Config, conn packetConn, handler Handler, tag string) *dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	d := &dispatcher{
		cfg:     cfg,
		conn:    conn,
		handler: handler,
		log:     cfg.Logger.With(tag),
		ctx:     ctx,
		cancel:  cancel,
	}
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		d.local = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}

	d.shards = make([]*shard, cfg.Workers)
	for i := range d.shards {
		d.shards[i] = newShard(i, d)
	}
	return d
}

// setupBuffers 设置系统缓冲区, 失败时逐级减半
func setupBuffers(conn *net.UDPConn, size int, log *logx.Logger) {
	for s := size; s >= minSocketBuffer; s /= 2 {
		if conn.SetReadBuffer(s) == nil {
			log.Debugf("读缓冲区: %d bytes", s)
			break
		}
	}
	for s := size; s >= minSocketBuffer; s /= 2 {
		if conn.SetWriteBuffer(s) == nil {
			log.Debugf("写缓冲区: %d bytes", s)
			break
		}
	}
}

func (d *dispatcher) start() {
	atomic.StoreInt32(&d.running, 1)
	for _, sh := range d.shards {
		d.wg.Add(1)
		go sh.run()
	}
	d.wg.Add(1)
	go d.readLoop()

	// 外部 ctx 取消时释放套接字
	go func() {
		<-d.ctx.Done()
		d.stop()
	}()
}

// readLoop 读取循环
func (d *dispatcher) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, readBufferSize)
	for atomic.LoadInt32(&d.running) == 1 {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		_ = d.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Debugf("读取失败: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		atomic.AddUint64(&d.packetsRecv, 1)
		atomic.AddUint64(&d.bytesRecv, uint64(n))

		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if bl := d.cfg.Blocklist; bl != nil && bl.Blocked(addr.Addr()) {
			atomic.AddUint64(&d.packetsDropped, 1)
			d.cfg.Observer.Dropped(DropBlocked)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		sh := d.route(addr)
		select {
		case sh.inbox <- inbound{addr: addr, data: data}:
		default:
			atomic.AddUint64(&d.packetsDropped, 1)
			d.cfg.Observer.Dropped(DropInboxFull)
		}
	}
}

// route 按地址哈希选择分片
func (d *dispatcher) route(addr netip.AddrPort) *shard {
	return d.shards[hashAddr(addr)%len(d.shards)]
}

func hashAddr(addr netip.AddrPort) int {
	var hash uint32
	for _, b := range addr.Addr().AsSlice() {
		hash = hash*31 + uint32(b)
	}
	hash = hash*31 + uint32(addr.Port())
	return int(hash & 0x7fffffff)
}

// send 编码并发送离线消息
func (d *dispatcher) send(addr netip.AddrPort, m protocol.Message) {
	b := protocol.Encode(m)
	d.cfg.Observer.DatagramSent(len(b))
	d.write(addr, b)
}

// write 发送数据报, 可在任意分片 goroutine 调用
func (d *dispatcher) write(addr netip.AddrPort, b []byte) {
	n, err := d.conn.WriteToUDPAddrPort(b, addr)
	if err != nil {
		d.log.Debugf("发送到 %s 失败: %v", addr, err)
		return
	}
	atomic.AddUint64(&d.packetsSent, 1)
	atomic.AddUint64(&d.bytesSent, uint64(n))
}

// sessionCount 所有分片的会话数
func (d *dispatcher) sessionCount() int {
	n := 0
	for _, sh := range d.shards {
		n += int(atomic.LoadInt32(&sh.count))
	}
	return n
}

// stop 停止分片并关闭套接字; 分片退出前断开全部会话
func (d *dispatcher) stop() {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return
	}
	d.cancel()
	for _, sh := range d.shards {
		<-sh.done
	}
	d.conn.Close()
	d.wg.Wait()
	d.log.Infof("已停止")
}

// GetStats 获取统计
func (d *dispatcher) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"packets_recv":    atomic.LoadUint64(&d.packetsRecv),
		"packets_sent":    atomic.LoadUint64(&d.packetsSent),
		"bytes_recv":      atomic.LoadUint64(&d.bytesRecv),
		"bytes_sent":      atomic.LoadUint64(&d.bytesSent),
		"packets_dropped": atomic.LoadUint64(&d.packetsDropped),
		"sessions":        d.sessionCount(),
		"workers":         len(d.shards),
		"local":           fmt.Sprint(d.local),
	}
}
