package simulate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/pynqmanager/pynqmanager/pkg/logger"
)

// Config simulate.yaml 配置结构
type Config struct {
	Board BoardConfig `mapstructure:"board"`
	SSH   SSHConfig   `mapstructure:"ssh"`
}

// BoardConfig 模拟板卡的串口行为
type BoardConfig struct {
	// PortName 非空时只响应该端口名
	PortName  string `mapstructure:"port_name"`
	Hostname  string `mapstructure:"hostname"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Interface string `mapstructure:"interface"`
	// Address DHCP 分配的地址（可带前缀长度）
	Address        string        `mapstructure:"address"`
	BootDelay      time.Duration `mapstructure:"boot_delay"`
	LoginFailDelay time.Duration `mapstructure:"login_fail_delay"`
	// AlreadyLoggedIn 上电后直接处于 shell，不打印横幅
	AlreadyLoggedIn bool `mapstructure:"already_logged_in"`
	SudoNoPassword  bool `mapstructure:"sudo_no_password"`
	// NoAddress 重启网络后接口仍没有地址
	NoAddress bool `mapstructure:"no_address"`
	// Silent 控制台没有任何输出
	Silent bool `mapstructure:"silent"`
}

func (c BoardConfig) withDefaults() BoardConfig {
	if c.Hostname == "" {
		c.Hostname = "pynq"
	}
	if c.Username == "" {
		c.Username = "xilinx"
	}
	if c.Password == "" {
		c.Password = "xilinx"
	}
	if c.Interface == "" {
		c.Interface = "eth0"
	}
	if c.Address == "" {
		c.Address = "192.168.2.99/24"
	}
	return c
}

// SSHConfig 模拟板卡的 SSH 服务
type SSHConfig struct {
	Listen      string `mapstructure:"listen"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	HostKeyPath string `mapstructure:"host_key_path"`
	MaxConn     int    `mapstructure:"max_conn"`
	// FailCommands 这些命令返回非零退出码
	FailCommands []string `mapstructure:"fail_commands"`
}

// LoadConfig 读取 simulate/simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	cfg.Board = cfg.Board.withDefaults()
	return &cfg, nil
}

// SSHServer 模拟板卡上的 sshd，只处理 exec 请求（apt update/upgrade 等）
type SSHServer struct {
	cfg      SSHConfig
	hostKey  ssh.Signer
	listener net.Listener
	active   int
	mu       sync.Mutex
	wg       sync.WaitGroup
	execs    []string
}

// NewSSHServer 创建模拟 SSH 服务
func NewSSHServer(cfg SSHConfig) (*SSHServer, error) {
	if cfg.Username == "" {
		cfg.Username = "xilinx"
	}
	if cfg.Password == "" {
		cfg.Password = "xilinx"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	signer, err := loadOrCreateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}
	return &SSHServer{cfg: cfg, hostKey: signer}, nil
}

// loadOrCreateHostKey path 为空时生成仅存在于内存的 ed25519 密钥，否则持久化到 path
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if bs, err := os.ReadFile(path); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				return signer, nil
			}
			logger.Warnf("Simulate: host key %s unreadable, regenerating: %v", path, err)
		}
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	if path != "" {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal host key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write host key: %w", err)
		}
	}
	return ssh.NewSignerFromKey(key)
}

// Start 开始监听
func (s *SSHServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	logger.Infof("Simulate: SSH listening on %s", ln.Addr())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				// listener closed
				return
			}
			s.mu.Lock()
			if s.cfg.MaxConn > 0 && s.active >= s.cfg.MaxConn {
				s.mu.Unlock()
				_ = conn.Close()
				logger.Warn("Simulate: reject connection, max_conn exceeded")
				continue
			}
			s.active++
			s.mu.Unlock()

			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.handleConn(c)
				s.mu.Lock()
				s.active--
				s.mu.Unlock()
			}(conn)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *SSHServer) Addr() *net.TCPAddr {
	if s.listener == nil {
		return nil
	}
	addr, _ := s.listener.Addr().(*net.TCPAddr)
	return addr
}

// Execs 收到的 exec 命令
func (s *SSHServer) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// Stop 停止监听并等待连接结束
func (s *SSHServer) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *SSHServer) checkPassword(user, pass string) bool {
	return user == s.cfg.Username && pass == s.cfg.Password
}

func (s *SSHServer) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.checkPassword(meta.User(), string(password)) {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) > 0 && s.checkPassword(meta.User(), answers[0]) {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied")
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Debugf("Simulate: SSH handshake failed: %v", err)
		_ = nc.Close()
		return
	}
	defer conn.Close()

	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *SSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			code := s.exec(channel, payload.Command)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *SSHServer) exec(channel ssh.Channel, command string) uint32 {
	s.mu.Lock()
	s.execs = append(s.execs, command)
	s.mu.Unlock()
	logger.Debugf("Simulate: exec %q", command)

	cmd := strings.TrimSpace(command)
	if strings.HasPrefix(cmd, "sudo -S -p '' ") {
		pass, err := readLine(channel)
		if err != nil || pass != s.cfg.Password {
			_, _ = io.WriteString(channel.Stderr(), "sudo: 1 incorrect password attempt\n")
			return 1
		}
		cmd = "sudo " + strings.TrimPrefix(cmd, "sudo -S -p '' ")
	}
	for _, f := range s.cfg.FailCommands {
		if f == cmd {
			_, _ = io.WriteString(channel.Stderr(), "E: simulated failure\n")
			return 100
		}
	}

	switch {
	case strings.HasPrefix(cmd, "sudo apt update"):
		_, _ = io.WriteString(channel, "Hit:1 http://ports.ubuntu.com/ubuntu-ports jammy InRelease\n"+
			"Reading package lists... Done\nBuilding dependency tree... Done\n"+
			"All packages are up to date.\n")
		return 0
	case strings.HasPrefix(cmd, "sudo apt upgrade"):
		_, _ = io.WriteString(channel, "Reading package lists... Done\n"+
			"Calculating upgrade... Done\n0 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.\n")
		return 0
	case cmd == "hostname":
		_, _ = io.WriteString(channel, "pynq\n")
		return 0
	default:
		name := strings.Fields(cmd + " x")[0]
		_, _ = io.WriteString(channel.Stderr(), fmt.Sprintf("bash: %s: command not found\n", name))
		return 127
	}
}

func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				return strings.TrimSuffix(sb.String(), "\r"), nil
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
	}
}

// Manager 同时运行模拟串口板卡与 SSH 服务
type Manager struct {
	Board *Board
	SSH   *SSHServer
}

// Start 启动模拟环境
func Start(ctx context.Context, cfg *Config) (*Manager, error) {
	srv, err := NewSSHServer(cfg.SSH)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start simulated sshd: %w", err)
	}
	m := &Manager{Board: NewBoard(cfg.Board), SSH: srv}
	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return m, nil
}

// Stop 停止模拟环境
func (m *Manager) Stop() {
	if m.Board != nil {
		_ = m.Board.Close()
	}
	if m.SSH != nil {
		m.SSH.Stop()
	}
}
