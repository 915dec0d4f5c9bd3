// Package handlers 实现 pynqctl 各子命令的执行逻辑。
package handlers

import (
	"fmt"
	"io"
	"sort"
)

// Ports 打印本机串口列表
func Ports(out io.Writer, list func() ([]string, error)) error {
	ports, err := list()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	sort.Strings(ports)
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}
