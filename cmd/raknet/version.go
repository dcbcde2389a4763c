// =============================================================================
// 文件: cmd/raknet/version.go
// =============================================================================
package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mrcgq/raknet/internal/protocol"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(Version)
				return
			}
			printVersion()
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "只输出版本号")
	return cmd
}

func printVersion() {
	fmt.Printf("RakNet Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Protocol: %d\n", protocol.ProtocolVersion)
	fmt.Printf("  MTU: %d-%d\n", protocol.MinMTU, protocol.MaxMTU)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
