package serial

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	parts []string
}

func (r *recorder) Emit(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts = append(r.parts, text)
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.parts, "")
}

func testOptions(obs Observer) Options {
	return Options{
		ReadTimeout:  10 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Observer:     obs,
	}
}

func TestAwaitLoginSendsCredentialsOnce(t *testing.T) {
	port := newFakePort()
	port.reply("xilinx", "xilinx\r\nPassword: ")
	port.reply("secret", "\r\nxilinx@pynq:~$ ")
	rec := &recorder{}
	s := NewSession(port, "fake0", testOptions(rec))
	defer s.Close()

	port.feed("PYNQ Linux, based on Ubuntu 22.04 pynq ttyPS0\r\n\r\npynq login: ")

	err := s.AwaitLogin(context.Background(), "xilinx", "secret", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Authenticated, s.LoginState())
	assert.Equal(t, "xilinx\nsecret\n", port.Written())

	user, pass := s.Credentials()
	assert.Equal(t, "xilinx", user)
	assert.Equal(t, "secret", pass)

	assert.Eventually(t, func() bool {
		return strings.Contains(rec.joined(), "xilinx@pynq:~$")
	}, time.Second, 10*time.Millisecond, "原始 chunk 应转发给观察者")
}

func TestAwaitLoginTimeoutSendsNothing(t *testing.T) {
	port := newFakePort()
	s := NewSession(port, "fake0", testOptions(nil))
	defer s.Close()

	port.feed("U-Boot 2020.01 booting kernel...\r\n")

	start := time.Now()
	err := s.AwaitLogin(context.Background(), "xilinx", "xilinx", 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoginTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, Failed, s.LoginState())
	assert.Empty(t, port.Written())
}

func TestAwaitLoginInducerSendsNewline(t *testing.T) {
	port := newFakePort()
	port.reply("", "\r\npynq login: ")
	port.reply("xilinx", "Password: ")
	port.reply("xilinx2", "$ ")
	opts := testOptions(nil)
	opts.InducerInterval = 40 * time.Millisecond
	opts.InducerMaxCount = 2
	s := NewSession(port, "fake0", opts)
	defer s.Close()

	err := s.AwaitLogin(context.Background(), "xilinx", "xilinx2", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "\nxilinx\nxilinx2\n", port.Written())
}

func TestAwaitLoginContextCancel(t *testing.T) {
	port := newFakePort()
	s := NewSession(port, "fake0", testOptions(nil))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.AwaitLogin(ctx, "u", "p", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrainAllIsNonBlocking(t *testing.T) {
	port := newFakePort()
	s := NewSession(port, "fake0", testOptions(nil))
	defer s.Close()

	out, err := s.DrainAll()
	require.NoError(t, err)
	assert.Empty(t, out)

	port.feed("inet 10.0.0.5/24 ")
	port.feed("brd 10.0.0.255\r\n")
	require.Eventually(t, func() bool { return len(s.chunks) == 2 }, time.Second, 5*time.Millisecond)

	out, err = s.DrainAll()
	require.NoError(t, err)
	assert.Equal(t, "inet 10.0.0.5/24 brd 10.0.0.255\r\n", out)
}

func TestCollectUntilQuiet(t *testing.T) {
	port := newFakePort()
	s := NewSession(port, "fake0", testOptions(nil))
	defer s.Close()

	go func() {
		port.feed("a")
		time.Sleep(20 * time.Millisecond)
		port.feed("b")
	}()
	out, err := s.CollectUntilQuiet(context.Background(), 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestCloseDuringReadAndAfterwards(t *testing.T) {
	port := newFakePort()
	s := NewSession(port, "fake0", testOptions(nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.AwaitLogin(context.Background(), "u", "p", 5*time.Second)
	}()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close 可重复调用")

	select {
	case err := <-errCh:
		assert.True(t, IsConnectionError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitLogin 在关闭后没有返回")
	}

	err := s.SendLine("ls")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.DrainAll()
	assert.True(t, IsConnectionError(err))
}

func TestReaderSuppressesTransientErrors(t *testing.T) {
	port := newFakePort()
	port.readErrs = []error{errors.New("framing error"), errors.New("parity error")}
	s := NewSession(port, "fake0", testOptions(nil))
	defer s.Close()

	port.feed("still alive")
	out, err := s.CollectUntilQuiet(context.Background(), 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still alive", out)
	assert.NoError(t, s.SendLine("echo ok"))
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), "fake0", 12345, Options{})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.ErrorIs(t, err, ErrUnsupportedBaud)

	_, err = Open(context.Background(), "  ", 115200, Options{})
	assert.True(t, IsConnectionError(err))

	openErr := errors.New("no such device")
	_, err = Open(context.Background(), "/dev/ttyUSB9", 115200, Options{
		Opener: func(string, int) (Port, error) { return nil, openErr },
	})
	assert.ErrorIs(t, err, openErr)
	assert.Contains(t, err.Error(), "/dev/ttyUSB9")
}

func TestOpenAppliesSettleDelay(t *testing.T) {
	port := newFakePort()
	start := time.Now()
	s, err := Open(context.Background(), "fake0", 115200, Options{
		SettleDelay: 60 * time.Millisecond,
		Opener:      func(string, int) (Port, error) { return port, nil },
	})
	require.NoError(t, err)
	defer s.Close()
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, "fake0", s.Name())
}

func TestIsSupportedBaud(t *testing.T) {
	for _, b := range []int{9600, 115200, 921600} {
		assert.True(t, IsSupportedBaud(b))
	}
	assert.False(t, IsSupportedBaud(14400))
}
