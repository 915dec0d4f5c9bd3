package serial

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"

	bugst "go.bug.st/serial"
)

// SupportedBaudRates 支持的波特率
var SupportedBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// IsSupportedBaud 判断波特率是否受支持
func IsSupportedBaud(baud int) bool {
	for _, b := range SupportedBaudRates {
		if b == baud {
			return true
		}
	}
	return false
}

// Port 会话独占的字节通道。Read 在读超时到期且没有数据时返回 (0, nil)。
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener 打开一个端口；测试和模拟器替换为内存实现
type Opener func(name string, baud int) (Port, error)

// OpenSystemPort 以 8N1 打开系统串口
func OpenSystemPort(name string, baud int) (Port, error) {
	p, err := bugst.Open(name, &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPorts 枚举系统串口
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// isClosedPortError 端口被关闭导致的读错误：后台读循环遇到时静默退出
func isClosedPortError(err error) bool {
	if err == nil {
		return false
	}
	var pe *bugst.PortError
	if errors.As(err, &pe) && pe.Code() == bugst.PortClosed {
		return true
	}
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrSessionClosed)
}

// isFatalReadError 设备消失（USB 拔出等）后重试没有意义
func isFatalReadError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var pe *bugst.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case bugst.PortNotFound, bugst.InvalidSerialPort, bugst.PermissionDenied:
			return true
		}
	}
	return false
}
