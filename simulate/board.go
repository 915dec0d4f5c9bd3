package simulate

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/pkg/serial"
)

type consoleState int

const (
	stateLogin consoleState = iota
	statePassword
	stateShell
	stateHeredoc
	stateSudo
)

// Board 模拟 PYNQ 板卡的串口控制台，实现 serial.Port。
// 写入的每一行按真实 tty 的方式回显，并按登录/shell/sudo 状态给出响应。
type Board struct {
	cfg BoardConfig

	mu          sync.Mutex
	out         []byte
	notify      chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	readTimeout time.Duration

	state       consoleState
	lineBuf     string
	heredoc     []string
	sudoPending func()
	sudoOK      bool
	networkUp   bool
	interfaces  string
	history     []string
	lastUser    string
	opened      int
}

// NewBoard 创建模拟板卡，BootDelay 后打印启动横幅与 login:
func NewBoard(cfg BoardConfig) *Board {
	cfg = cfg.withDefaults()
	b := &Board{
		cfg:         cfg,
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
		readTimeout: 100 * time.Millisecond,
		state:       stateLogin,
	}
	if cfg.AlreadyLoggedIn {
		b.state = stateShell
	}
	return b
}

// Opener 返回一个总是打开本板卡的 serial.Opener；每次打开都会重新上电
func (b *Board) Opener() serial.Opener {
	return func(name string, baud int) (serial.Port, error) {
		if b.cfg.PortName != "" && name != b.cfg.PortName {
			return nil, fmt.Errorf("open %s: %w", name, os.ErrNotExist)
		}
		b.powerOn()
		return b, nil
	}
}

func (b *Board) powerOn() {
	b.mu.Lock()
	select {
	case <-b.closed:
		b.closed = make(chan struct{})
		b.closeOnce = sync.Once{}
	default:
	}
	b.opened++
	b.out = nil
	b.lineBuf = ""
	if !b.cfg.AlreadyLoggedIn {
		b.state = stateLogin
	}
	b.mu.Unlock()

	if b.cfg.Silent || b.cfg.AlreadyLoggedIn {
		return
	}
	go func() {
		select {
		case <-time.After(b.cfg.BootDelay):
		case <-b.closedCh():
			return
		}
		b.emit(b.banner())
	}()
}

func (b *Board) closedCh() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Board) banner() string {
	return fmt.Sprintf("\r\nPYNQ Linux, based on Ubuntu 22.04 %s ttyPS0\r\n\r\n%s login: ", b.cfg.Hostname, b.cfg.Hostname)
}

func (b *Board) prompt() string {
	return fmt.Sprintf("%s@%s:~$ ", b.cfg.Username, b.cfg.Hostname)
}

// Read 实现 serial.Port；读超时到期且没有数据时返回 (0, nil)
func (b *Board) Read(p []byte) (int, error) {
	b.mu.Lock()
	timeout := b.readTimeout
	closed := b.closed
	b.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if len(b.out) > 0 {
			n := copy(p, b.out)
			b.out = b.out[n:]
			b.mu.Unlock()
			return n, nil
		}
		b.mu.Unlock()

		select {
		case <-closed:
			return 0, os.ErrClosed
		case <-b.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Write 实现 serial.Port
func (b *Board) Write(p []byte) (int, error) {
	select {
	case <-b.closedCh():
		return 0, os.ErrClosed
	default:
	}
	if b.cfg.Silent {
		return len(p), nil
	}

	b.mu.Lock()
	b.lineBuf += string(p)
	var lines []string
	for {
		idx := strings.IndexByte(b.lineBuf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(b.lineBuf[:idx], "\r"))
		b.lineBuf = b.lineBuf[idx+1:]
	}
	b.mu.Unlock()

	for _, line := range lines {
		b.handleLine(line)
	}
	return len(p), nil
}

// Close 实现 serial.Port
func (b *Board) Close() error {
	b.mu.Lock()
	closed := b.closed
	once := &b.closeOnce
	b.mu.Unlock()
	once.Do(func() { close(closed) })
	return nil
}

// SetReadTimeout 实现 serial.Port
func (b *Board) SetReadTimeout(t time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t > 0 {
		b.readTimeout = t
	}
	return nil
}

// Interfaces 最近一次写入的 /etc/network/interfaces 内容
func (b *Board) Interfaces() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interfaces
}

// History shell 中执行过的命令
func (b *Board) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}

// NetworkRestarted 网络服务是否已重启
func (b *Board) NetworkRestarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.networkUp
}

func (b *Board) emit(s string) {
	b.mu.Lock()
	b.out = append(b.out, s...)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Board) handleLine(line string) {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	switch state {
	case stateLogin:
		b.emit(line + "\r\n")
		if strings.TrimSpace(line) == "" {
			b.emit(fmt.Sprintf("%s login: ", b.cfg.Hostname))
			return
		}
		b.setState(statePassword, func() { b.lastUser = strings.TrimSpace(line) })
		b.emit("Password: ")

	case statePassword:
		b.emit("\r\n")
		b.mu.Lock()
		user := b.lastUser
		b.mu.Unlock()
		if user == b.cfg.Username && line == b.cfg.Password {
			b.setState(stateShell, nil)
			b.emit("Welcome to PYNQ Linux, based on Ubuntu 22.04 (GNU/Linux 5.15.19-xilinx-v2022.1 armv7l)\r\n\r\n")
			b.emit("Last login: Thu Jan  1 00:00:10 UTC 1970 on ttyPS0\r\n")
			b.emit(b.prompt())
			return
		}
		time.AfterFunc(b.cfg.LoginFailDelay, func() {
			b.setState(stateLogin, nil)
			b.emit(fmt.Sprintf("Login incorrect\r\n%s login: ", b.cfg.Hostname))
		})

	case stateHeredoc:
		b.emit(line + "\r\n")
		if line == "EOF'" {
			b.mu.Lock()
			body := strings.Join(b.heredoc, "\n") + "\n"
			b.heredoc = nil
			b.mu.Unlock()
			b.setState(stateShell, nil)
			b.runPrivileged(func() {
				b.mu.Lock()
				b.interfaces = body
				b.mu.Unlock()
			})
			return
		}
		b.mu.Lock()
		b.heredoc = append(b.heredoc, line)
		b.mu.Unlock()
		b.emit("> ")

	case stateSudo:
		b.emit("\r\n")
		b.mu.Lock()
		next := b.sudoPending
		b.sudoPending = nil
		b.mu.Unlock()
		b.setState(stateShell, nil)
		if line != b.cfg.Password {
			b.emit("Sorry, try again.\r\nsudo: 1 incorrect password attempt\r\n")
			b.emit(b.prompt())
			return
		}
		b.mu.Lock()
		b.sudoOK = true
		b.mu.Unlock()
		if next != nil {
			next()
		}
		b.emit(b.prompt())

	default:
		b.handleCommand(line)
	}
}

func (b *Board) setState(s consoleState, fn func()) {
	b.mu.Lock()
	if fn != nil {
		fn()
	}
	b.state = s
	b.mu.Unlock()
}

// runPrivileged 需要 sudo 时先要求输入密码，通过后执行 fn 并打印提示符
func (b *Board) runPrivileged(fn func()) {
	b.mu.Lock()
	need := !b.cfg.SudoNoPassword && !b.sudoOK
	if need {
		b.state = stateSudo
		b.sudoPending = fn
	}
	b.mu.Unlock()

	if need {
		b.emit(fmt.Sprintf("[sudo] password for %s: ", b.cfg.Username))
		return
	}
	fn()
	b.emit(b.prompt())
}

func (b *Board) handleCommand(line string) {
	b.emit(line + "\r\n")
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		b.emit(b.prompt())
		return
	}

	b.mu.Lock()
	b.history = append(b.history, cmd)
	b.mu.Unlock()
	logger.Debugf("Simulate: board command %q", cmd)

	switch {
	case strings.HasPrefix(cmd, "sudo bash -c 'cat > ") && strings.HasSuffix(cmd, "<<EOF"):
		b.mu.Lock()
		b.heredoc = nil
		b.mu.Unlock()
		b.setState(stateHeredoc, nil)
		b.emit("> ")

	case strings.Contains(cmd, "restart networking"):
		b.runPrivileged(func() {
			b.mu.Lock()
			b.networkUp = true
			b.mu.Unlock()
		})

	case strings.HasPrefix(cmd, "ip -4 addr show"):
		iface := strings.TrimSpace(strings.TrimPrefix(cmd, "ip -4 addr show"))
		b.emit(b.addrOutput(iface))
		b.emit(b.prompt())

	case cmd == "exit":
		b.setState(stateLogin, nil)
		b.emit(fmt.Sprintf("logout\r\n\r\n%s login: ", b.cfg.Hostname))

	default:
		name := strings.Fields(cmd)[0]
		b.emit(fmt.Sprintf("-bash: %s: command not found\r\n", name))
		b.emit(b.prompt())
	}
}

func (b *Board) addrOutput(iface string) string {
	if iface != b.cfg.Interface {
		return fmt.Sprintf("Device \"%s\" does not exist.\r\n", iface)
	}
	head := fmt.Sprintf("2: %s: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc mq state UP group default qlen 1000\r\n", iface)

	b.mu.Lock()
	up := b.networkUp
	file := b.interfaces
	b.mu.Unlock()
	if !up || b.cfg.NoAddress {
		return head
	}

	addr := b.cfg.Address
	if static := staticAddress(file); static != "" {
		addr = static
	}
	if !strings.Contains(addr, "/") {
		addr += "/24"
	}
	return head +
		fmt.Sprintf("    inet %s brd 255.255.255.255 scope global dynamic %s\r\n", addr, iface) +
		"       valid_lft 86303sec preferred_lft 86303sec\r\n"
}

func staticAddress(file string) string {
	for _, line := range strings.Split(file, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "address" {
			return fields[1]
		}
	}
	return ""
}
