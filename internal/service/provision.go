package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
	"github.com/pynqmanager/pynqmanager/pkg/ssh"
)

// Session 配网阶段使用的串口会话能力，*serial.Session 实现了它
type Session interface {
	Name() string
	SendLine(text string) error
	DrainAll() (string, error)
	CollectUntilQuiet(ctx context.Context, quiet, maxWait time.Duration) (string, error)
	Credentials() (string, string)
	Emit(line string)
	Close() error
}

// RemoteExecutor 交接后的远程命令执行，*ssh.Executor 实现了它
type RemoteExecutor interface {
	RunWithOutput(ctx context.Context, info ssh.ConnectionInfo, commands []string, out io.Writer, onResult func(*ssh.CommandResult)) ([]*ssh.CommandResult, error)
}

// PacingMode 每次写入后的等待方式
type PacingMode string

const (
	// PacingFixed 固定等待后一次性取出输出
	PacingFixed PacingMode = "fixed"
	// PacingQuiescent 读到输出静默 QuietAfter 为止，最长等待对应的 settle 时长
	PacingQuiescent PacingMode = "quiescent"
)

// SudoPolicy 写完配置文件后是否补发 sudo 密码
type SudoPolicy string

const (
	SudoDetect SudoPolicy = "detect"
	SudoAlways SudoPolicy = "always"
	SudoNever  SudoPolicy = "never"
)

// ProvisionOptions 配网脚本参数
type ProvisionOptions struct {
	Pacing         PacingMode
	QuietAfter     time.Duration
	Delays         config.SettleDelays
	Sudo           SudoPolicy
	StrictIPv4     bool
	InterfacesPath string
}

// RemoteOptions 交接参数
type RemoteOptions struct {
	Enabled  bool
	Port     int
	Commands []string
}

// ExtractedAddress 从 ip addr 输出中得到的地址
type ExtractedAddress struct {
	IP        string `json:"ip"`
	Interface string `json:"interface"`
	// Output 地址查询命令的原始输出
	Output string `json:"output"`
}

// ProvisionOptionsFromConfig 从配置构造配网参数
func ProvisionOptionsFromConfig(cfg *config.Config) ProvisionOptions {
	return ProvisionOptions{
		Pacing:         PacingMode(canonical(cfg.Pacing.Mode)),
		QuietAfter:     cfg.Pacing.QuietAfter,
		Delays:         cfg.SettleDelays(),
		Sudo:           SudoPolicy(canonical(cfg.Provision.SudoPassword)),
		StrictIPv4:     cfg.Provision.StrictIPv4,
		InterfacesPath: cfg.Provision.InterfacesPath,
	}
}

// RemoteOptionsFromConfig 从配置构造交接参数
func RemoteOptionsFromConfig(cfg *config.Config) RemoteOptions {
	return RemoteOptions{
		Enabled:  cfg.Remote.Enabled,
		Port:     cfg.Remote.Port,
		Commands: append([]string(nil), cfg.Remote.Commands...),
	}
}

// NewRemoteExecutor 按配置创建 SSH 执行器
func NewRemoteExecutor(cfg *config.Config) *ssh.Executor {
	return ssh.NewExecutor(ssh.Config{
		Timeout:        cfg.Remote.Timeout,
		KeepAlive:      30 * time.Second,
		CommandTimeout: cfg.Remote.CommandTimeout,
		SudoStdin:      cfg.Remote.SudoStdin,
	})
}

// Provisioner 在已登录的串口会话上执行配网脚本，并把得到的地址交给远程执行
type Provisioner struct {
	opts   ProvisionOptions
	remote RemoteExecutor
	rcfg   RemoteOptions
}

// NewProvisioner 创建配网编排器；remote 为 nil 时不做交接
func NewProvisioner(opts ProvisionOptions, remote RemoteExecutor, rcfg RemoteOptions) *Provisioner {
	if opts.Pacing == "" {
		opts.Pacing = PacingFixed
	}
	if opts.Sudo == "" {
		opts.Sudo = SudoDetect
	}
	if opts.QuietAfter <= 0 {
		opts.QuietAfter = 800 * time.Millisecond
	}
	if opts.InterfacesPath == "" {
		opts.InterfacesPath = netcfg.InterfacesPath
	}
	return &Provisioner{opts: opts, remote: remote, rcfg: rcfg}
}

// Provision 写入网络配置、重启网络并查询地址。
// 会话必须已经登录；未匹配到地址时返回 ErrAddressNotFound，不重试。
func (p *Provisioner) Provision(ctx context.Context, sess Session, req netcfg.Request) (*ExtractedAddress, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logger.ForPort(sess.Name()).WithField("iface", req.Interface)
	d := p.opts.Delays

	sess.Emit(fmt.Sprintf("[*] Writing %s configuration (%s) to %s", req.Interface, req.Mode, p.opts.InterfacesPath))
	if err := sess.SendLine(netcfg.RenderScript(req, p.opts.InterfacesPath)); err != nil {
		return nil, err
	}
	out, err := p.settle(ctx, sess, d.Script)
	if err != nil {
		return nil, err
	}

	sent, err := p.elevate(ctx, sess, out, true)
	if err != nil {
		return nil, err
	}
	if sent {
		log.Debug("Privilege password sent after script")
	}

	sess.Emit("[*] Restarting networking")
	if err := sess.SendLine(netcfg.RestartNetworkingCommand()); err != nil {
		return nil, err
	}
	out, err = p.settle(ctx, sess, d.Restart)
	if err != nil {
		return nil, err
	}
	// 凭据缓存过期时 restart 也可能再次要求密码
	if p.opts.Sudo == SudoDetect {
		if sent, err = p.elevate(ctx, sess, out, false); err != nil {
			return nil, err
		}
		if sent {
			if _, err := p.settle(ctx, sess, d.Restart); err != nil {
				return nil, err
			}
		}
	}

	// 丢弃脚本回显与重启输出，静态地址会出现在回显里
	stale, err := sess.DrainAll()
	if err != nil {
		return nil, err
	}
	logger.DebugCommandOutput("stale serial output", stale, 5)

	query := netcfg.ShowAddressCommand(req.Interface)
	sess.Emit("[*] Querying address: " + query)
	if err := sess.SendLine(query); err != nil {
		return nil, err
	}
	out, err = p.settle(ctx, sess, d.Query)
	if err != nil {
		return nil, err
	}
	logger.DebugCommandOutput(query, out, 10)

	ip, ok := netcfg.ExtractIPv4(out, p.opts.StrictIPv4)
	if !ok {
		sess.Emit("[!] No IP detected")
		log.Warn("No IPv4 address in query output")
		return nil, fmt.Errorf("%w on %s", ErrAddressNotFound, req.Interface)
	}
	sess.Emit("[+] IP detected: " + ip)
	log.Infof("Address detected: %s", ip)
	return &ExtractedAddress{IP: ip, Interface: req.Interface, Output: out}, nil
}

// elevate 按策略补发 sudo 密码；allowAlways 为 false 时 always 策略不生效（只在脚本后发送一次）
func (p *Provisioner) elevate(ctx context.Context, sess Session, out string, allowAlways bool) (bool, error) {
	send := false
	switch p.opts.Sudo {
	case SudoAlways:
		send = allowAlways
	case SudoNever:
		send = false
	default:
		send = strings.Contains(strings.ToLower(out), "password")
	}
	if !send {
		return false, nil
	}
	_, password := sess.Credentials()
	sess.Emit("[*] Sending privilege password")
	if err := sess.SendLine(password); err != nil {
		return false, err
	}
	if _, err := p.settle(ctx, sess, p.opts.Delays.Password); err != nil {
		return true, err
	}
	return true, nil
}

// settle 写入后等待设备处理并返回期间收到的输出
func (p *Provisioner) settle(ctx context.Context, sess Session, max time.Duration) (string, error) {
	if p.opts.Pacing == PacingQuiescent {
		return sess.CollectUntilQuiet(ctx, p.opts.QuietAfter, max)
	}
	if max > 0 {
		timer := time.NewTimer(max)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return sess.DrainAll()
}

// Handoff 关闭串口会话后通过 SSH 依次执行远程命令。
// 连接或认证失败返回 *RemoteExecutionError；命令非零退出只记录在结果中。
func (p *Provisioner) Handoff(ctx context.Context, sess Session, addr *ExtractedAddress, out io.Writer, onResult func(*ssh.CommandResult)) ([]*ssh.CommandResult, error) {
	username, password := sess.Credentials()
	if err := sess.Close(); err != nil {
		logger.ForPort(sess.Name()).Warnf("Serial close before handoff: %v", err)
	}
	if p.remote == nil || !p.rcfg.Enabled || len(p.rcfg.Commands) == 0 {
		return nil, nil
	}

	info := ssh.ConnectionInfo{Host: addr.IP, Port: p.rcfg.Port, Username: username, Password: password}
	sess.Emit(fmt.Sprintf("[*] Connecting to %s over SSH", info.Address()))
	results, err := p.remote.RunWithOutput(ctx, info, p.rcfg.Commands, out, func(r *ssh.CommandResult) {
		if r.Success() {
			sess.Emit(fmt.Sprintf("[+] %s (%s)", r.Command, r.Duration.Round(time.Millisecond)))
		} else {
			sess.Emit(fmt.Sprintf("[!] %s exited with %d", r.Command, r.ExitCode))
		}
		if onResult != nil {
			onResult(r)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		sess.Emit("[!] Remote execution failed: " + err.Error())
		return results, &RemoteExecutionError{Host: info.Address(), Err: err}
	}
	sess.Emit("[+] Remote commands finished")
	return results, nil
}

// canonical trim + toLower
func canonical(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
