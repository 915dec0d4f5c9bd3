package service

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressNotFound 配网脚本执行完毕但输出中没有 IPv4 地址
	ErrAddressNotFound = errors.New("address not found")
	// ErrPortBusy 端口已有进行中的任务
	ErrPortBusy = errors.New("port busy")
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinished 任务已结束，无法取消
	ErrTaskFinished = errors.New("task already finished")
	// ErrServiceStopped 服务已停止
	ErrServiceStopped = errors.New("provision service stopped")
)

// RemoteExecutionError 交接阶段的 SSH 连接或认证失败，不重试
type RemoteExecutionError struct {
	Host string
	Err  error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution on %s failed: %v", e.Host, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error {
	return e.Err
}

// IsRemoteExecutionError 判断是否为交接失败
func IsRemoteExecutionError(err error) bool {
	var re *RemoteExecutionError
	return errors.As(err, &re)
}
