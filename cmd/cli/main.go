// Package main 是 pynqctl 命令行入口：枚举串口、预览配网脚本、通过串口为 PYNQ 板卡配网。
package main

import (
	"fmt"
	"os"

	"github.com/pynqmanager/pynqmanager/cmd/cli/commands"
)

// 构建时通过 -ldflags 注入
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
