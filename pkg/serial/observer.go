package serial

import (
	"sync"
	"sync/atomic"

	"github.com/pynqmanager/pynqmanager/pkg/logger"
)

// Observer 接收增量文本（原始串口 chunk 与派生日志行）
type Observer interface {
	Emit(text string)
}

// ObserverFunc 函数适配
type ObserverFunc func(text string)

// Emit 实现 Observer
func (f ObserverFunc) Emit(text string) {
	if f != nil {
		f(text)
	}
}

// NopObserver 丢弃所有输出
type NopObserver struct{}

// Emit 实现 Observer
func (NopObserver) Emit(string) {}

// AsyncObserver 把 Emit 变成非阻塞：文本进入有界队列，由单个 goroutine 按顺序投递给下游。
// 队列满时丢弃最旧的一条，下游 panic 会被吞掉，保证观察者永远不会拖住串口读写。
type AsyncObserver struct {
	next    Observer
	queue   chan string
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsyncObserver 创建异步观察者；size<=0 时默认 1024
func NewAsyncObserver(next Observer, size int) *AsyncObserver {
	if size <= 0 {
		size = 1024
	}
	if next == nil {
		next = NopObserver{}
	}
	o := &AsyncObserver{
		next:  next,
		queue: make(chan string, size),
		done:  make(chan struct{}),
	}
	go o.dispatch()
	return o
}

// Emit 实现 Observer，永不阻塞
func (o *AsyncObserver) Emit(text string) {
	if text == "" {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- text:
		return
	default:
	}
	// 队列满：丢最旧的一条再试一次
	select {
	case <-o.queue:
		o.dropped.Add(1)
	default:
	}
	select {
	case o.queue <- text:
	default:
		o.dropped.Add(1)
	}
}

func (o *AsyncObserver) dispatch() {
	defer close(o.done)
	for text := range o.queue {
		o.deliver(text)
	}
}

func (o *AsyncObserver) deliver(text string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("Observer panicked: %v", r)
		}
	}()
	o.next.Emit(text)
}

// Dropped 因背压丢弃的条数
func (o *AsyncObserver) Dropped() int64 {
	return o.dropped.Load()
}

// Close 停止接收并等待队列投递完毕，可重复调用
func (o *AsyncObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	<-o.done
}
