package hardware

import "io"

// SerialPort 串口接口（真实串口与测试模拟共用）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateDisabled ConnectionState = iota
	StateOpened
	StateReady
	StateError
)

// String 返回状态名称
func (s ConnectionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateOpened:
		return "opened"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
