package commands

import (
	"github.com/spf13/cobra"

	"github.com/pynqmanager/pynqmanager/cmd/cli/handlers"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
)

// Render 预览写入板卡的网络配置脚本，不打开串口
func Render() *cobra.Command {
	var (
		req    netcfg.Request
		mode   string
		path   string
		script bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Preview the network configuration written to the board",
		Long: `Render the /etc/network/interfaces file for the board.

Examples:
  # DHCP on eth0
  pynqctl render

  # Static address, printed as the heredoc command sent over serial
  pynqctl render --mode static --ip 192.168.2.99/24 --gateway 192.168.2.1 --script`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Mode = netcfg.Mode(mode)
			return handlers.Render(cmd.OutOrStdout(), req, path, script)
		},
	}

	bindNetworkFlags(cmd, &req, &mode)
	cmd.Flags().StringVar(&path, "path", netcfg.InterfacesPath, "Target file on the board")
	cmd.Flags().BoolVar(&script, "script", false, "Print the full heredoc command instead of the file body")

	return cmd
}

func bindNetworkFlags(cmd *cobra.Command, req *netcfg.Request, mode *string) {
	cmd.Flags().StringVar(&req.Interface, "iface", "", "Network interface (default eth0)")
	cmd.Flags().StringVar(mode, "mode", "", "Addressing mode: dhcp or static (default dhcp)")
	cmd.Flags().StringVar(&req.Address, "ip", "", "Static address, e.g. 192.168.2.99/24")
	cmd.Flags().StringVar(&req.Gateway, "gateway", "", "Static gateway")
	cmd.Flags().BoolVar(&req.AllowHotplug, "allow-hotplug", false, "Also write allow-hotplug for the interface")
}
