package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pynqmanager/pynqmanager/cmd/cli/handlers"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
)

// Provision 通过串口登录板卡、写入网络配置并执行远程更新。
//
// 串口回显与进度行输出到 stdout，日志输出到 stderr。
func Provision() *cobra.Command {
	var (
		opts handlers.ProvisionOptions
		mode string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Configure networking on a board over its serial console",
		Long: `Log in over the serial console, write the network configuration,
restart networking, read back the address and run the update commands over SSH.

Examples:
  # DHCP on eth0 with the default xilinx/xilinx account
  pynqctl provision --port /dev/ttyUSB1

  # Static address, no remote update
  pynqctl provision --port COM3 --mode static --ip 192.168.2.99/24 --gateway 192.168.2.1 --skip-remote

  # Against the built-in simulated board
  pynqctl provision --simulate simulate/simulate.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Network.Mode = netcfg.Mode(mode)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return handlers.Provision(ctx, cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to config file (default: configs/config.yaml if present)")
	f.StringVarP(&opts.Port, "port", "p", "", "Serial port, e.g. /dev/ttyUSB1 or COM3")
	f.IntVarP(&opts.Baud, "baud", "b", 0, "Baud rate (default 115200)")
	f.StringVarP(&opts.Username, "user", "u", "", "Login user (default xilinx)")
	f.StringVar(&opts.Password, "password", "", "Login password (default xilinx, env PYNQ_LOGIN_PASSWORD)")
	f.BoolVar(&opts.SkipRemote, "skip-remote", false, "Stop after the address is detected")
	f.StringVar(&opts.SimulatePath, "simulate", "", "Run against a simulated board described by this simulate.yaml")
	bindNetworkFlags(cmd, &opts.Network, &mode)

	return cmd
}
