package service

import "sync"

// logHub 把一个任务的串口输出广播给多个订阅者；订阅者处理不过来时丢弃
type logHub struct {
	mu     sync.Mutex
	subs   map[int]chan string
	next   int
	closed bool
}

func newLogHub() *logHub {
	return &logHub{subs: make(map[int]chan string)}
}

// subscribe 返回只读 channel 与取消函数；hub 已关闭时返回已关闭的 channel
func (h *logHub) subscribe(size int) (<-chan string, func()) {
	if size <= 0 {
		size = 256
	}
	ch := make(chan string, size)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *logHub) publish(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- text:
		default:
		}
	}
}

// close 关闭全部订阅 channel，之后的 publish 无效
func (h *logHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
