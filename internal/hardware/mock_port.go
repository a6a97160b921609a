package hardware

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/jutta-brewer/internal/logger"
	"go.uber.org/zap"
)

// MockResponder 根据收到的命令决定回复内容和延迟，reply为空表示不回复
type MockResponder func(cmd string) (reply string, delay time.Duration)

// MockSerialPort 模拟咖啡机串口：解码写入的帧，记录命令并按需回复
type MockSerialPort struct {
	mu        sync.Mutex
	logger    *zap.Logger
	rx        [][]byte // 待读取的原始数据块，每次读取最多返回一块
	pending   []byte   // 未凑满一帧的写入
	line      []byte   // 当前命令行（已解码）
	commands  []string
	actuators map[string]bool
	responder MockResponder
	closed    bool
	timers    []*time.Timer

	writeErr error
	readErr  error
}

// 执行器开关命令
var actuatorCommands = map[string]struct {
	name string
	on   bool
}{
	CmdGrinderOn:  {"grinder", true},
	CmdGrinderOff: {"grinder", false},
	CmdPressOn:    {"press", true},
	CmdPressOff:   {"press", false},
	CmdPumpOn:     {"pump", true},
	CmdPumpOff:    {"pump", false},
	CmdHeaterOn:   {"heater", true},
	CmdHeaterOff:  {"heater", false},
}

// NewMockSerialPort 创建模拟串口，对每条命令立即回复ok，TY:回复机型
func NewMockSerialPort(model string) *MockSerialPort {
	m := &MockSerialPort{
		logger:    logger.GetModuleLogger("serial"),
		actuators: make(map[string]bool),
	}
	m.responder = func(cmd string) (string, time.Duration) {
		if cmd == CmdGetType {
			return ResponseTypePrefix + model + CommandTerminator, 0
		}
		return ResponseAck, 0
	}
	return m
}

// SetResponder 替换回复策略
func (m *MockSerialPort) SetResponder(r MockResponder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = r
}

// SetWriteError 设置写入错误，nil恢复正常
func (m *MockSerialPort) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetReadError 设置读取错误，nil恢复正常
func (m *MockSerialPort) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Write 接收原始字节，凑满4字节解码一次
func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("port closed")
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}

	m.pending = append(m.pending, p...)
	for len(m.pending) >= FrameSize {
		var f Frame
		copy(f[:], m.pending[:FrameSize])
		m.pending = m.pending[FrameSize:]
		m.line = append(m.line, Decode(f))

		if bytes.HasSuffix(m.line, []byte(CommandTerminator)) {
			m.handleCommand(string(m.line))
			m.line = m.line[:0]
		}
	}
	return len(p), nil
}

// handleCommand 调用时持有锁
func (m *MockSerialPort) handleCommand(cmd string) {
	m.commands = append(m.commands, cmd)
	if act, ok := actuatorCommands[cmd]; ok {
		m.actuators[act.name] = act.on
	}
	m.logger.Debug("Mock machine received command", zap.String("command", strings.TrimSpace(cmd)))

	if m.responder == nil {
		return
	}
	reply, delay := m.responder(cmd)
	if reply == "" {
		return
	}
	if delay <= 0 {
		m.injectLocked([]byte(reply))
		return
	}
	m.timers = append(m.timers, time.AfterFunc(delay, func() {
		m.Inject(reply)
	}))
}

// Inject 模拟设备发送文本
func (m *MockSerialPort) Inject(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectLocked([]byte(s))
}

func (m *MockSerialPort) injectLocked(data []byte) {
	if m.closed {
		return
	}
	for _, b := range data {
		f := Encode(b)
		m.rx = append(m.rx, f[:])
	}
}

// InjectRaw 直接写入一块原始字节，用于模拟线路噪声
func (m *MockSerialPort) InjectRaw(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk := make([]byte, len(raw))
	copy(chunk, raw)
	m.rx = append(m.rx, chunk)
}

// Read 读取原始字节，没有数据时返回0
func (m *MockSerialPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("port closed")
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if len(m.rx) == 0 {
		return 0, nil
	}

	chunk := m.rx[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		m.rx[0] = chunk[n:]
	} else {
		m.rx = m.rx[1:]
	}
	return n, nil
}

// Flush 无操作
func (m *MockSerialPort) Flush() error {
	return nil
}

// Close 关闭并停止所有延迟回复
func (m *MockSerialPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	return nil
}

// Commands 返回收到的命令副本
func (m *MockSerialPort) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmds := make([]string, len(m.commands))
	copy(cmds, m.commands)
	return cmds
}

// ResetCommands 清空命令记录
func (m *MockSerialPort) ResetCommands() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = nil
}

// ActiveActuators 返回当前处于开启状态的执行器
func (m *MockSerialPort) ActiveActuators() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []string
	for _, name := range []string{"grinder", "press", "pump", "heater"} {
		if m.actuators[name] {
			active = append(active, name)
		}
	}
	return active
}
