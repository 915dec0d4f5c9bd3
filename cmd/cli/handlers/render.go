package handlers

import (
	"fmt"
	"io"

	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
)

// Render 打印网络配置文件；script 为 true 时打印完整的 heredoc 命令
func Render(out io.Writer, req netcfg.Request, path string, script bool) error {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	if script {
		_, err := fmt.Fprintln(out, netcfg.RenderScript(req, path))
		return err
	}
	_, err := fmt.Fprint(out, netcfg.RenderInterfaces(req))
	return err
}
