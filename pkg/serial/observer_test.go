package serial

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAsyncObserverPreservesOrder(t *testing.T) {
	rec := &recorder{}
	o := NewAsyncObserver(rec, 1024)
	for _, s := range []string{"a", "b", "c", "d"} {
		o.Emit(s)
	}
	o.Close()
	assert.Equal(t, "abcd", rec.joined())
	assert.Zero(t, o.Dropped())

	o.Emit("late")
	assert.Equal(t, "abcd", rec.joined(), "关闭后的输出应被忽略")
}

func TestAsyncObserverNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	slow := ObserverFunc(func(string) { <-release })
	o := NewAsyncObserver(slow, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			o.Emit(strings.Repeat("x", i+1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit 被慢观察者阻塞")
	}
	close(release)
	o.Close()
	assert.Greater(t, o.Dropped(), int64(0))
}

func TestAsyncObserverRecoversPanic(t *testing.T) {
	rec := &recorder{}
	calls := 0
	o := NewAsyncObserver(ObserverFunc(func(s string) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		rec.Emit(s)
	}), 8)
	o.Emit("first")
	o.Emit("second")
	o.Close()
	assert.Equal(t, "second", rec.joined())
}
