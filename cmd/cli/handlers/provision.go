package handlers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/service"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
	"github.com/pynqmanager/pynqmanager/pkg/serial"
	"github.com/pynqmanager/pynqmanager/simulate"
)

// simulatedPort 模拟板卡未指定端口名时使用
const simulatedPort = "sim0"

// ProvisionOptions provision 子命令参数；零值字段取配置文件中的默认值
type ProvisionOptions struct {
	ConfigPath   string
	Port         string
	Baud         int
	Username     string
	Password     string
	Network      netcfg.Request
	SkipRemote   bool
	SimulatePath string
}

// syncWriter 串口回显与远程输出来自不同 goroutine
type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

// Provision 打开串口、登录、配网，成功后经 SSH 执行远程命令
func Provision(ctx context.Context, out io.Writer, opts ProvisionOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "console",
	}); err != nil {
		return err
	}

	opener := serial.Opener(serial.OpenSystemPort)
	if opts.SimulatePath != "" {
		sc, err := simulate.LoadConfig(opts.SimulatePath)
		if err != nil {
			return err
		}
		mgr, err := simulate.Start(ctx, sc)
		if err != nil {
			return err
		}
		defer mgr.Stop()
		opener = mgr.Board.Opener()
		cfg.Remote.Port = mgr.SSH.Addr().Port
		if opts.Port == "" {
			opts.Port = sc.Board.PortName
		}
		if opts.Port == "" {
			opts.Port = simulatedPort
		}
	}

	port := firstNonEmpty(opts.Port, cfg.Serial.DefaultPort)
	if port == "" {
		return fmt.Errorf("no serial port given (use --port or serial.default_port)")
	}
	baud := opts.Baud
	if baud == 0 {
		baud = cfg.Serial.Baud
	}
	username := firstNonEmpty(opts.Username, cfg.Login.Username)
	password := firstNonEmpty(opts.Password, cfg.Login.Password)
	req := opts.Network
	req.Interface = firstNonEmpty(req.Interface, cfg.Provision.Interface)
	if req.Mode == "" {
		req.Mode = netcfg.Mode(cfg.Provision.Mode)
	}
	req.AllowHotplug = req.AllowHotplug || cfg.Provision.AllowHotplug
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	if opts.SkipRemote {
		cfg.Remote.Enabled = false
	}

	w := &syncWriter{out: out}
	observer := serial.ObserverFunc(func(text string) { _, _ = io.WriteString(w, text) })
	sess, err := serial.Open(ctx, port, baud, service.SerialOptionsFromConfig(cfg, observer, opener))
	if err != nil {
		return err
	}
	defer sess.Close()
	ls := service.NewLoggedSession(sess, nil)

	ls.Emit(fmt.Sprintf("[*] Waiting for login prompt on %s", port))
	if err := sess.AwaitLogin(ctx, username, password, cfg.LoginTimeout()); err != nil {
		ls.Emit("[!] Login failed: " + err.Error())
		return err
	}
	ls.Emit("[+] Logged in as " + username)

	p := service.NewProvisioner(
		service.ProvisionOptionsFromConfig(cfg),
		service.NewRemoteExecutor(cfg),
		service.RemoteOptionsFromConfig(cfg),
	)
	addr, err := p.Provision(ctx, ls, req)
	if err != nil {
		return err
	}
	if _, err := p.Handoff(ctx, ls, addr, w, nil); err != nil {
		return err
	}
	ls.Emit(fmt.Sprintf("[+] Board %s is reachable at %s", req.Interface, addr.IP))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
