package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pynqmanager/pynqmanager/internal/util"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
)

const (
	// DefaultLoginTimeout 登录总预算
	DefaultLoginTimeout = 20 * time.Second
	// DefaultSettleDelay 打开串口后等待启动横幅
	DefaultSettleDelay = 2 * time.Second
	// DefaultPollInterval 登录轮询间隔
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultReadTimeout 单次读超时
	DefaultReadTimeout = 100 * time.Millisecond

	// 后台读连续失败多少次后放弃
	maxReadFailures = 20
	// Close 等待读 goroutine 退出的上限
	closeWait = 2 * time.Second
)

// Options 会话参数
type Options struct {
	ReadTimeout time.Duration
	// SettleDelay 打开后等待的时长，0 表示不等待
	SettleDelay  time.Duration
	PollInterval time.Duration
	// QueueSize 读 goroutine 与消费者之间的 chunk 队列长度
	QueueSize int
	Charset   string
	Observer  Observer
	// 等待 login: 期间静默超过 InducerInterval 时发送空行，最多 InducerMaxCount 次；0 关闭
	InducerInterval time.Duration
	InducerMaxCount int
	Opener          Opener
}

// DefaultOptions 返回与 PYNQ 镜像匹配的默认参数
func DefaultOptions() Options {
	return Options{
		ReadTimeout:  DefaultReadTimeout,
		SettleDelay:  DefaultSettleDelay,
		PollInterval: DefaultPollInterval,
		QueueSize:    256,
		Charset:      "utf-8",
	}
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Opener == nil {
		o.Opener = OpenSystemPort
	}
	return o
}

// Session 串口会话，独占一个 Port。
// 后台 goroutine 负责读取并解码，经单向 channel 交给消费者；写入由 writeMu 串行化。
type Session struct {
	name     string
	port     Port
	opts     Options
	decoder  *util.LenientDecoder
	observer Observer

	chunks     chan string
	stop       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	writeMu    sync.Mutex

	mu       sync.Mutex
	closed   bool
	readErr  error
	username string
	password string

	state     atomic.Int32
	bytesRead atomic.Int64
}

// Open 打开串口并启动后台读取。port 为空、波特率不受支持或打开失败时返回 ConnectionError。
func Open(ctx context.Context, name string, baud int, opts Options) (*Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, connErr(name, "open", errors.New("port name is empty"))
	}
	if !IsSupportedBaud(baud) {
		return nil, connErr(name, "open", fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud))
	}
	opts = opts.withDefaults()

	port, err := opts.Opener(name, baud)
	if err != nil {
		return nil, connErr(name, "open", err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, connErr(name, "open", err)
	}

	s := NewSession(port, name, opts)
	logger.ForPort(name).Infof("Serial port opened at %d baud", baud)

	if opts.SettleDelay > 0 {
		timer := time.NewTimer(opts.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			_ = s.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return s, nil
}

// NewSession 用已打开的 Port 创建会话并启动读 goroutine（调用方负责设置读超时）
func NewSession(port Port, name string, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		name:       name,
		port:       port,
		opts:       opts,
		decoder:    util.NewLenientDecoder(opts.Charset),
		observer:   opts.Observer,
		chunks:     make(chan string, opts.QueueSize),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	s.state.Store(int32(AwaitingLogin))
	go s.readLoop()
	return s
}

// Name 端口名
func (s *Session) Name() string {
	return s.name
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.chunks)

	log := logger.ForPort(s.name)
	buf := make([]byte, 4096)
	failures := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			failures = 0
			s.bytesRead.Add(int64(n))
			if text := s.decoder.Decode(buf[:n]); text != "" {
				s.observer.Emit(text)
				select {
				case s.chunks <- text:
				case <-s.stop:
					return
				}
			}
		}
		if err == nil {
			continue
		}

		if s.isClosed() || isClosedPortError(err) {
			return
		}
		if isFatalReadError(err) {
			log.WithError(err).Warn("Serial read failed, stopping reader")
			s.setReadErr(err)
			return
		}
		failures++
		if failures >= maxReadFailures {
			log.WithError(err).Warnf("Serial read failed %d times in a row, stopping reader", failures)
			s.setReadErr(err)
			return
		}
		log.WithError(err).Debug("Transient serial read error ignored")
		select {
		case <-s.stop:
			return
		case <-time.After(s.opts.ReadTimeout):
		}
	}
}

// SendLine 写入 text 与换行符，不等待回显
func (s *Session) SendLine(text string) error {
	return s.write(text + "\n")
}

func (s *Session) write(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return connErr(s.name, "write", ErrSessionClosed)
	}
	if err := s.readFailure(); err != nil {
		return connErr(s.name, "write", err)
	}

	p := []byte(data)
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return connErr(s.name, "write", err)
		}
		if n == 0 {
			return connErr(s.name, "write", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}

// DrainAll 非阻塞地取出当前已收到的全部文本
func (s *Session) DrainAll() (string, error) {
	if s.isClosed() {
		return "", connErr(s.name, "read", ErrSessionClosed)
	}
	var sb strings.Builder
	for {
		select {
		case text, ok := <-s.chunks:
			if !ok {
				return sb.String(), s.readerGone()
			}
			sb.WriteString(text)
		default:
			return sb.String(), nil
		}
	}
}

// CollectUntilQuiet 持续读取，直到 quiet 时长内没有新数据或总时长达到 maxWait
func (s *Session) CollectUntilQuiet(ctx context.Context, quiet, maxWait time.Duration) (string, error) {
	if s.isClosed() {
		return "", connErr(s.name, "read", ErrSessionClosed)
	}
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	if maxWait < quiet {
		maxWait = quiet
	}

	var sb strings.Builder
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	idle := time.NewTimer(quiet)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case <-deadline.C:
			return sb.String(), nil
		case <-idle.C:
			return sb.String(), nil
		case text, ok := <-s.chunks:
			if !ok {
				return sb.String(), s.readerGone()
			}
			sb.WriteString(text)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(quiet)
		}
	}
}

// AwaitLogin 驱动登录状态机直到出现 shell 提示符。
// 超时返回 ErrLoginTimeout，此后不再写入任何内容。凭据只保存在会话内存中。
func (s *Session) AwaitLogin(ctx context.Context, username, password string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	if s.isClosed() {
		return connErr(s.name, "read", ErrSessionClosed)
	}
	s.mu.Lock()
	s.username, s.password = username, password
	s.mu.Unlock()

	log := logger.ForPort(s.name)
	m := NewLoginMachine()
	s.state.Store(int32(m.State()))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	lastInput := time.Now()
	induced := 0
	for {
		select {
		case <-ctx.Done():
			m.Expire()
			s.state.Store(int32(m.State()))
			return ctx.Err()

		case <-deadline.C:
			last := m.State()
			m.Expire()
			s.state.Store(int32(m.State()))
			log.Warnf("Login timed out after %s in state %s", timeout, last)
			return fmt.Errorf("%w after %s (last state %s)", ErrLoginTimeout, timeout, last)

		case text, ok := <-s.chunks:
			if !ok {
				m.Expire()
				s.state.Store(int32(m.State()))
				return s.readerGone()
			}
			lastInput = time.Now()
			action := m.Feed(text)
			s.state.Store(int32(m.State()))
			switch action {
			case ActionSendUsername:
				log.Debug("Login prompt detected, sending username")
				if err := s.SendLine(username); err != nil {
					return err
				}
			case ActionSendPassword:
				log.Debug("Password prompt detected, sending password")
				if err := s.SendLine(password); err != nil {
					return err
				}
			case ActionAuthenticated:
				log.Info("Shell prompt detected, login complete")
				return nil
			}

		case <-poll.C:
			if m.State() != AwaitingLogin || s.opts.InducerInterval <= 0 || induced >= s.opts.InducerMaxCount {
				continue
			}
			if time.Since(lastInput) < s.opts.InducerInterval {
				continue
			}
			induced++
			lastInput = time.Now()
			log.Debugf("Console silent, sending newline to induce prompt (%d/%d)", induced, s.opts.InducerMaxCount)
			if err := s.SendLine(""); err != nil {
				return err
			}
		}
	}
}

// LoginState 最近一次 AwaitLogin 的状态
func (s *Session) LoginState() LoginState {
	return LoginState(s.state.Load())
}

// Credentials 返回 AwaitLogin 使用的账户
func (s *Session) Credentials() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.password
}

// Emit 向观察者发送派生日志行（关闭后仍可调用）
func (s *Session) Emit(line string) {
	s.observer.Emit(line)
}

// BytesRead 累计读取的原始字节数
func (s *Session) BytesRead() int64 {
	return s.bytesRead.Load()
}

// Close 释放端口，可重复调用；后台读 goroutine 静默退出
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.password = ""
		s.mu.Unlock()

		close(s.stop)
		if cerr := s.port.Close(); cerr != nil && !isClosedPortError(cerr) {
			err = connErr(s.name, "close", cerr)
		}

		timer := time.NewTimer(closeWait)
		defer timer.Stop()
		select {
		case <-s.readerDone:
		case <-timer.C:
			logger.ForPort(s.name).Warn("Serial reader did not stop in time")
		}
		logger.ForPort(s.name).Info("Serial port closed")
	})
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

func (s *Session) readFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// readerGone 读 goroutine 已退出：关闭或致命错误
func (s *Session) readerGone() error {
	if err := s.readFailure(); err != nil {
		return connErr(s.name, "read", err)
	}
	return connErr(s.name, "read", ErrSessionClosed)
}
