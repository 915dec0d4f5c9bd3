package serial

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// fakePort 内存串口：inbound 里的数据被 Read 取走，Write 的行可触发预设回复
type fakePort struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu        sync.Mutex
	pending   []byte
	written   bytes.Buffer
	replies   map[string]string
	readErrs  []error
	timeout   time.Duration
	lineCache string
}

func newFakePort() *fakePort {
	return &fakePort{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		replies: map[string]string{},
		timeout: 10 * time.Millisecond,
	}
}

func (p *fakePort) feed(s string) {
	p.inbound <- []byte(s)
}

func (p *fakePort) reply(line, out string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[line] = out
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.readErrs) > 0 {
		err := p.readErrs[0]
		p.readErrs = p.readErrs[1:]
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case <-p.closed:
		return 0, os.ErrClosed
	case data := <-p.inbound:
		n := copy(b, data)
		if n < len(data) {
			p.mu.Lock()
			p.pending = append(p.pending, data[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}
	p.mu.Lock()
	p.written.Write(b)
	p.lineCache += string(b)
	var out []string
	for {
		idx := strings.IndexByte(p.lineCache, '\n')
		if idx < 0 {
			break
		}
		line := p.lineCache[:idx]
		p.lineCache = p.lineCache[idx+1:]
		if r, ok := p.replies[line]; ok {
			out = append(out, r)
		}
	}
	p.mu.Unlock()
	for _, r := range out {
		p.feed(r)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	if t <= 0 {
		return errors.New("invalid timeout")
	}
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}
