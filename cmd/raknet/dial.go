// =============================================================================
// 文件: cmd/raknet/dial.go
// 描述: 调试客户端 - 建立会话, 发送测试负载并等待回显
// =============================================================================
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/protocol"
	"github.com/mrcgq/raknet/internal/transport"
)

// payloadID 测试负载首字节, 不与传输层控制消息冲突
const payloadID = 0xfe

type dialOptions struct {
	payloadSize int
	count       int
	reliability string
	channel     uint8
	timeout     time.Duration
	verbose     bool
}

func dialCmd() *cobra.Command {
	opts := &dialOptions{}

	cmd := &cobra.Command{
		Use:   "dial <addr>",
		Short: "建立会话并收发测试负载",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDial(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().IntVar(&opts.payloadSize, "payload-size", 64, "负载字节数 (超过 MTU 时分片)")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 4, "发送次数")
	cmd.Flags().StringVarP(&opts.reliability, "reliability", "r", "reliable-ordered", "可靠性类型")
	cmd.Flags().Uint8Var(&opts.channel, "channel", 0, "排序通道 (0-31)")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 10*time.Second, "总超时 (握手与全部回显)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "输出调试日志")
	return cmd
}

func runDial(ctx context.Context, addr string, opts *dialOptions) error {
	if opts.payloadSize < 1 {
		return fmt.Errorf("payload-size 需大于 0")
	}
	rel, err := protocol.ParseReliability(opts.reliability)
	if err != nil {
		return err
	}

	cfg := transport.DefaultConfig()
	cfg.HandshakeTimeout = opts.timeout
	level := "error"
	if opts.verbose {
		level = "debug"
	}
	cfg.Logger = logx.New(os.Stderr, level, "DIAL")

	queue := transport.NewEventQueue(64)
	defer queue.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	start := time.Now()
	client, err := transport.NewDialer(cfg, queue).Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	sess := client.Session()
	fmt.Printf("已连接 %s (本地 %s) mtu=%d 握手耗时 %v\n",
		client.RemoteAddr(), client.LocalAddr(), sess.MTU(), time.Since(start).Round(time.Millisecond))

	payload := make([]byte, opts.payloadSize)
	payload[0] = payloadID
	for i := 1; i < len(payload); i++ {
		payload[i] = byte(i)
	}

	echoed := 0
	for i := 0; i < opts.count; i++ {
		sent := time.Now()
		if err := client.Send(payload, rel, opts.channel); err != nil {
			return fmt.Errorf("发送失败: %w", err)
		}
		if !rel.IsReliable() {
			// 不可靠负载可能丢失, 不等待回显
			continue
		}
		if err := waitEcho(ctx, queue, payload); err != nil {
			return err
		}
		echoed++
		fmt.Printf("回显 %d 字节: time=%v\n", len(payload), time.Since(sent).Round(time.Microsecond))
	}

	stats := sess.Stats()
	fmt.Printf("--- %s: %d 发送, %d 回显, srtt=%v 重传=%d ---\n",
		addr, opts.count, echoed, stats.SRTT.Round(time.Microsecond), stats.Retransmits)
	return nil
}

func waitEcho(ctx context.Context, queue *transport.EventQueue, want []byte) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待回显: %w", ctx.Err())
		case ev := <-queue.Events():
			switch ev.Kind {
			case transport.EventDisconnect:
				return &transport.DisconnectError{Reason: ev.Reason}
			case transport.EventPayload:
				if bytes.Equal(ev.Payload, want) {
					return nil
				}
			}
		}
	}
}
