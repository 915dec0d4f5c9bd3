// Package commands 定义 pynqctl 的 cobra 命令与参数绑定，执行逻辑在 handlers 包。
package commands

import "github.com/spf13/cobra"

// Root 返回 pynqctl 根命令
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pynqctl",
		Short:         "Provision PYNQ boards over the serial console",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(Ports())
	cmd.AddCommand(Render())
	cmd.AddCommand(Provision())
	cmd.AddCommand(Version())

	return cmd
}
