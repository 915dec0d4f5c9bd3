package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pynqmanager/pynqmanager/internal/util"
)

// Config SSH配置
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	// CommandTimeout 单条命令上限，0 表示只受 ctx 约束
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// SudoStdin 以 sudo -S 运行 sudo 命令并从 stdin 提供密码（exec 通道没有 TTY）
	SudoStdin bool `yaml:"sudo_stdin"`
}

// Client SSH客户端，一个客户端对应一块板卡的一条连接
type Client struct {
	config     *Config
	connection *ssh.Client
	mutex      sync.RWMutex
	info       *ConnectionInfo
	stopKeep   chan struct{}
}

// ConnectionInfo SSH连接信息
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Address host:port
func (i *ConnectionInfo) Address() string {
	port := i.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(i.Host, fmt.Sprintf("%d", port))
}

// CommandResult 命令执行结果
type CommandResult struct {
	Command  string        `json:"command"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Success 退出码为 0
func (r *CommandResult) Success() bool {
	return r != nil && r.Error == "" && r.ExitCode == 0
}

// NewClient 创建SSH客户端
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{Timeout: 10 * time.Second}
	}
	return &Client{config: config}
}

// Connect 连接SSH服务器。板卡刚刷写镜像，主机密钥不做校验。
func (c *Client) Connect(ctx context.Context, info *ConnectionInfo) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.info = info

	sshConfig := &ssh.ClientConfig{
		User:            info.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
		Auth: []ssh.AuthMethod{
			ssh.Password(info.Password),
			// 部分镜像只开放 keyboard-interactive
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = info.Password
				}
				return answers, nil
			}),
		},
	}

	address := info.Address()
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}
	if c.config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SSH connection: %w", err)
	}
	// 握手完成后取消握手期限，命令本身可能运行很久
	_ = conn.SetDeadline(time.Time{})

	c.connection = ssh.NewClient(sshConn, chans, reqs)
	c.stopKeep = make(chan struct{})
	go c.keepAlive(c.stopKeep)

	return nil
}

// newSessionWithRetry 创建会话（带重试）；sshd 刚启动时偶尔拒绝第一个通道
func (c *Client) newSessionWithRetry(ctx context.Context) (*ssh.Session, error) {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("SSH connection not established")
	}

	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
		sess, err := conn.NewSession()
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if errors.Is(err, io.EOF) {
			// 连接已断开，重试没有意义
			break
		}
	}
	return nil, lastErr
}

// prepareCommand 返回实际执行的命令与 stdin 内容
func (c *Client) prepareCommand(command string) (string, string) {
	if !c.config.SudoStdin || c.info == nil || c.info.Password == "" {
		return command, ""
	}
	trimmed := strings.TrimSpace(command)
	if !strings.HasPrefix(trimmed, "sudo ") || strings.HasPrefix(trimmed, "sudo -S") {
		return command, ""
	}
	return "sudo -S -p '' " + strings.TrimPrefix(trimmed, "sudo "), c.info.Password + "\n"
}

// ExecuteCommand 执行单个命令并等待结束，返回合并后的 stdout/stderr。
// live 非空时输出同步转发给它。
func (c *Client) ExecuteCommand(ctx context.Context, command string, live io.Writer) (*CommandResult, error) {
	startTime := time.Now()
	result := &CommandResult{Command: command}

	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := c.newSessionWithRetry(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to create session: %v", err)
		result.ExitCode = -1
		return result, err
	}
	defer session.Close()

	actual, stdin := c.prepareCommand(command)
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}
	out := &lockedBuffer{live: live}
	session.Stdout = out
	session.Stderr = out

	if err := session.Start(actual); err != nil {
		result.Error = err.Error()
		result.ExitCode = -1
		return result, err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case err = <-waitCh:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		err = ctx.Err()
	}

	result.Duration = time.Since(startTime)
	result.Output = util.EnsureUTF8Bytes(out.Bytes())

	if err != nil {
		result.Error = err.Error()
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			// 非零退出码不是连接故障
			return result, nil
		}
		result.ExitCode = -1
		return result, err
	}
	return result, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.connection != nil {
		err := c.connection.Close()
		c.connection = nil
		return err
	}
	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connection != nil
}

func (c *Client) keepAlive(stop <-chan struct{}) {
	if c.config.KeepAlive <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mutex.RLock()
			conn := c.connection
			c.mutex.RUnlock()
			if conn == nil {
				return
			}
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}

// lockedBuffer stdout 与 stderr 由两个 goroutine 并发写入
type lockedBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	live io.Writer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.live != nil {
		_, _ = b.live.Write(p)
	}
	return len(p), nil
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
