// =============================================================================
// 文件: cmd/raknet/main.go
// 描述: 命令行入口 - server / ping / dial / gen-config / version
// =============================================================================
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raknet",
		Short: "RakNet 可靠传输服务端与调试工具",
		Long: `RakNet 协议 (版本 11) 的 UDP 可靠传输实现.

  server      运行回显服务端, 附带 Prometheus 指标与健康检查
  ping        发送 UnconnectedPing, 显示服务端 GUID/MOTD/延迟
  dial        建立会话并收发测试负载, 显示协商 MTU 与 RTT
  gen-config  生成示例配置文件`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serverCmd(),
		pingCmd(),
		dialCmd(),
		genConfigCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
