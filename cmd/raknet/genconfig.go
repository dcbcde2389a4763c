// =============================================================================
// 文件: cmd/raknet/genconfig.go
// =============================================================================
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrcgq/raknet/internal/config"
)

func genConfigCmd() *cobra.Command {
	var output string
	var stdout bool

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "生成示例配置文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout {
				fmt.Print(config.GenerateExampleConfig())
				return nil
			}
			if err := config.WriteExampleConfig(output); err != nil {
				return fmt.Errorf("生成配置失败: %w", err)
			}
			fmt.Printf("已生成示例配置文件: %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "config.example.yaml", "输出路径")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "输出到标准输出")
	return cmd
}
