package commands

import (
	"github.com/spf13/cobra"

	"github.com/pynqmanager/pynqmanager/cmd/cli/handlers"
	"github.com/pynqmanager/pynqmanager/pkg/serial"
)

// Ports 列出本机串口
func Ports() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports on this host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Ports(cmd.OutOrStdout(), serial.ListPorts)
		},
	}
}
