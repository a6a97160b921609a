package hardware

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/logger"
	"go.uber.org/zap"
)

// PortOpener 打开一个新的串口
type PortOpener func() (SerialPort, error)

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ConfigPortOpener 按配置重新打开串口，设备文件不存在时直接返回设备离线
func ConfigPortOpener(cfg *config.SerialConfig) PortOpener {
	return func() (SerialPort, error) {
		if !SerialPortExists(cfg.Port) {
			return nil, errors.Newf(errors.ErrDeviceOffline, "%s not present", cfg.Port)
		}
		return OpenSerialPort(cfg)
	}
}

// ReconnectManager 连接进入错误状态后重新打开串口
type ReconnectManager struct {
	conn        *Connection
	open        PortOpener
	interval    time.Duration // 检查间隔，也是首次重试间隔
	maxInterval time.Duration
	logger      *zap.Logger

	reconnectCh chan struct{}
	reconnects  atomic.Uint64

	mu          sync.Mutex
	onReconnect func()
}

// NewReconnectManager 创建串口重连管理器
func NewReconnectManager(conn *Connection, open PortOpener, interval, maxInterval time.Duration) *ReconnectManager {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	return &ReconnectManager{
		conn:        conn,
		open:        open,
		interval:    interval,
		maxInterval: maxInterval,
		logger:      logger.GetModuleLogger("serial"),
		reconnectCh: make(chan struct{}, 1),
	}
}

// OnReconnect 设置重连成功回调
func (m *ReconnectManager) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = fn
	m.mu.Unlock()
}

// TriggerReconnect 立即检查连接状态
func (m *ReconnectManager) TriggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// Reconnects 成功重连次数
func (m *ReconnectManager) Reconnects() uint64 {
	return m.reconnects.Load()
}

// Run 监控连接直到ctx结束
func (m *ReconnectManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.reconnectCh:
		}

		if m.conn.State() == StateError {
			m.reconnect(ctx)
		}
	}
}

// reconnect 重试打开串口，间隔逐步加倍直到maxInterval
func (m *ReconnectManager) reconnect(ctx context.Context) {
	wait := m.interval
	for retry := 1; ; retry++ {
		port, err := m.open()
		if err == nil {
			m.conn.ReplacePort(port)
			m.reconnects.Add(1)
			m.logger.Info("Serial port reconnected", zap.Int("retry", retry))

			m.mu.Lock()
			fn := m.onReconnect
			m.mu.Unlock()
			if fn != nil {
				fn()
			}
			return
		}

		m.logger.Warn("Serial reconnect failed",
			zap.Int("retry", retry),
			zap.Duration("next", wait),
			zap.Error(err))

		if !sleepContext(ctx, wait) {
			return
		}
		wait *= 2
		if wait > m.maxInterval {
			wait = m.maxInterval
		}
		if m.conn.State() == StateDisabled {
			return
		}
	}
}
