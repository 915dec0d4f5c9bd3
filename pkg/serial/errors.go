package serial

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("serial session closed")
	// ErrLoginTimeout 在期限内未检测到 shell 提示符
	ErrLoginTimeout = errors.New("login timed out")
	// ErrUnsupportedBaud 波特率不在支持集合中
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
)

// ConnectionError 串口打开/读/写失败，对当前会话是致命的
type ConnectionError struct {
	Port string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("serial %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("serial %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError 判断错误链中是否有 ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func connErr(port, op string, err error) error {
	return &ConnectionError{Port: port, Op: op, Err: err}
}
