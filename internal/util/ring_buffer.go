package util

import "sync"

// RingBuffer 固定容量的字节环形缓冲，写满后覆盖最旧数据。
// 用于保存会话记录（串口回显可能持续很久）。
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []byte
	size int
	head int
	tail int
	full bool
	// wrapped 表示已有旧数据被覆盖
	wrapped bool
}

// NewRingBuffer 创建环形缓冲，size<=0 时默认 256KB
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 256 * 1024
	}
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write 实现 io.Writer，永不失败
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range p {
		if r.full {
			r.tail = (r.tail + 1) % r.size
			r.wrapped = true
		}
		r.buf[r.head] = b
		r.head = (r.head + 1) % r.size
		if r.head == r.tail {
			r.full = true
		}
	}
	return len(p), nil
}

// WriteString 写入字符串
func (r *RingBuffer) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Bytes 按写入顺序返回内容副本
func (r *RingBuffer) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.lenLocked()
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	if r.head > r.tail {
		copy(out, r.buf[r.tail:r.head])
		return out
	}
	k := copy(out, r.buf[r.tail:])
	copy(out[k:], r.buf[:r.head])
	return out
}

func (r *RingBuffer) String() string {
	return string(r.Bytes())
}

// Len 当前字节数
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *RingBuffer) lenLocked() int {
	switch {
	case r.full:
		return r.size
	case r.head >= r.tail:
		return r.head - r.tail
	default:
		return r.size - r.tail + r.head
	}
}

// Truncated 是否已经覆盖过旧数据
func (r *RingBuffer) Truncated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wrapped
}

// Reset 清空
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.tail, r.full, r.wrapped = 0, 0, false, false
}
