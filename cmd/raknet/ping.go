// =============================================================================
// 文件: cmd/raknet/ping.go
// =============================================================================
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrcgq/raknet/internal/transport"
)

func pingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <addr>",
		Short: "发送 UnconnectedPing 并显示服务端信息",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := transport.DefaultConfig()
			received := 0

			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(interval)
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				pong, err := transport.Ping(ctx, args[0], cfg)
				cancel()
				if err != nil {
					fmt.Printf("%s: %v\n", args[0], err)
					continue
				}
				received++
				fmt.Printf("%s: guid=%d time=%v motd=%q\n",
					pong.Addr, pong.ServerGUID, pong.Latency.Round(time.Microsecond), pong.MOTD)
			}

			fmt.Printf("--- %s: %d 发送, %d 收到 ---\n", args[0], count, received)
			if received == 0 {
				return transport.ErrPingTimeout
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 4, "发送次数")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "发送间隔")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "单次超时")
	return cmd
}
