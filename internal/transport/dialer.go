// =============================================================================
// 文件: internal/transport/dialer.go
// 描述: 拨号器 (同一地址并发拨号合并) 与无连接 ping
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/raknet/internal/protocol"
)

// Dialer 复用配置与回调拨号; 对同一地址的并发 Dial 只握手一次, 调用方共享同一个 Client.
// 握手不随任何单个调用方的 ctx 取消, 全部调用方放弃后才中止.
type Dialer struct {
	cfg     *Config
	handler Handler
	group   singleflight.Group

	mu      sync.Mutex
	seq     uint64
	flights map[string]*flight
}

// flight 一次进行中的握手
type flight struct {
	key     string
	waiters int
	done    bool
	cancel  context.CancelFunc
}

// NewDialer 创建拨号器
func NewDialer(cfg *Config, h Handler) *Dialer {
	return &Dialer{cfg: cfg, handler: h, flights: make(map[string]*flight)}
}

// Dial 连接 addr, 等待期间只受本调用方 ctx 约束
func (d *Dialer) Dial(ctx context.Context, addr string) (*Client, error) {
	d.mu.Lock()
	f := d.flights[addr]
	if f == nil {
		d.seq++
		f = &flight{key: fmt.Sprintf("%s#%d", addr, d.seq)}
		d.flights[addr] = f
	}
	f.waiters++
	ch := d.group.DoChan(f.key, func() (interface{}, error) {
		return d.run(ctx, addr, f)
	})
	d.mu.Unlock()

	select {
	case res := <-ch:
		d.mu.Lock()
		f.waiters--
		d.mu.Unlock()
		return clientResult(res)

	case <-ctx.Done():
		d.mu.Lock()
		f.waiters--
		done := f.done
		if !done && f.waiters == 0 && f.cancel != nil {
			f.cancel()
		}
		d.mu.Unlock()
		if done {
			// 结果已按本调用方仍在等待交付, 必须取走
			return clientResult(<-ch)
		}
		return nil, ctx.Err()
	}
}

// run 在脱离调用方取消的 ctx 上握手; 无人等待的结果被关闭
func (d *Dialer) run(parent context.Context, addr string, f *flight) (interface{}, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	d.mu.Lock()
	f.cancel = cancel
	if f.waiters == 0 {
		cancel()
	}
	d.mu.Unlock()

	c, err := dial(ctx, addr, d.cfg, d.handler)

	d.mu.Lock()
	f.done = true
	if d.flights[addr] == f {
		delete(d.flights, addr)
	}
	abandoned := err == nil && f.waiters == 0
	d.mu.Unlock()

	if abandoned {
		c.Close()
		return nil, context.Canceled
	}
	return c, err
}

func clientResult(res singleflight.Result) (*Client, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Val.(*Client), nil
}

// Pong 无连接 ping 的结果
type Pong struct {
	Addr       netip.AddrPort
	ServerGUID uint64
	MOTD       string
	Latency    time.Duration
}

// Ping 发送 UnconnectedPing 并等待 UnconnectedPong, 每 ProbeInterval 重发, 最多 ProbeAttempts 次
func Ping(ctx context.Context, addr string, cfg *Config) (*Pong, error) {
	remote, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	conn, err := listenFor(remote)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return ping(ctx, conn, remote, cfg.normalize())
}

func ping(ctx context.Context, conn packetConn, remote netip.AddrPort, cfg *Config) (*Pong, error) {
	start := time.Now()
	req := protocol.Encode(&protocol.UnconnectedPing{
		Timestamp:  start.UnixMilli(),
		ClientGUID: cfg.GUID,
	})
	buf := make([]byte, readBufferSize)

	for attempt := 0; attempt < cfg.ProbeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sentAt := time.Now()
		if _, err := conn.WriteToUDPAddrPort(req, remote); err != nil {
			return nil, fmt.Errorf("发送 ping: %w", err)
		}

		deadline := sentAt.Add(cfg.ProbeInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				break
			}
			if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != remote {
				continue
			}
			pong := &protocol.UnconnectedPong{}
			if protocol.DecodeInto(buf[:n], pong) != nil {
				continue
			}
			return &Pong{
				Addr:       remote,
				ServerGUID: pong.ServerGUID,
				MOTD:       pong.Data,
				Latency:    time.Since(sentAt),
			}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s, 用时 %v", ErrPingTimeout, remote, time.Since(start).Round(time.Millisecond))
}
