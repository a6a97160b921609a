package hardware

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/logger"
	"go.uber.org/zap"
)

// Timing 传输层时序
type Timing struct {
	FrameDelay   time.Duration // 每帧写入后的等待
	RetryDelay   time.Duration // 无数据时重读前的等待
	PollInterval time.Duration // 等待响应时的轮询间隔
	AckTimeout   time.Duration // 默认确认超时
}

// DefaultTiming 默认时序
func DefaultTiming() Timing {
	return Timing{
		FrameDelay:   8 * time.Millisecond,
		RetryDelay:   100 * time.Millisecond,
		PollInterval: 250 * time.Millisecond,
		AckTimeout:   5 * time.Second,
	}
}

// TimingFromConfig 从配置构造时序
func TimingFromConfig(cfg *config.ProtocolConfig) Timing {
	t := DefaultTiming()
	if cfg == nil {
		return t
	}
	t.FrameDelay = cfg.FrameDelay
	t.RetryDelay = cfg.RetryDelay
	if cfg.PollInterval > 0 {
		t.PollInterval = cfg.PollInterval
	}
	if cfg.AckTimeout > 0 {
		t.AckTimeout = cfg.AckTimeout
	}
	return t
}

// 流量方向
const (
	DirectionSend    = "SEND"
	DirectionReceive = "RECEIVE"
)

// TrafficEntry 一次串口收发记录（已解码）
type TrafficEntry struct {
	Direction string
	Data      []byte
	Frames    int
	Failed    int
	Duration  time.Duration
	Err       error
	Time      time.Time
}

// TrafficRecorder 串口流量记录器
type TrafficRecorder interface {
	RecordTraffic(entry TrafficEntry)
}

// ConnectionStats 连接统计
type ConnectionStats struct {
	FramesSent      uint64 `json:"frames_sent"`
	FramesReceived  uint64 `json:"frames_received"`
	FrameWriteFails uint64 `json:"frame_write_fails"`
	MalformedFrames uint64 `json:"malformed_frames"`
	Timeouts        uint64 `json:"timeouts"`
}

// Connection JUTTA协议连接，所有公开操作互斥执行
type Connection struct {
	port   SerialPort
	timing Timing
	logger *zap.Logger

	mu       sync.Mutex
	state    atomic.Int32
	recorder atomic.Value // TrafficRecorder

	framesSent      atomic.Uint64
	framesReceived  atomic.Uint64
	frameWriteFails atomic.Uint64
	malformedFrames atomic.Uint64
	timeouts        atomic.Uint64
}

type recorderHolder struct {
	r TrafficRecorder
}

// NewConnection 基于已打开的串口创建连接
func NewConnection(port SerialPort, timing Timing) *Connection {
	c := &Connection{
		port:   port,
		timing: timing,
		logger: logger.GetModuleLogger("serial"),
	}
	c.setState(StateOpened)
	c.setState(StateReady)
	return c
}

// OpenConnection 打开串口并创建连接
func OpenConnection(cfg *config.SerialConfig, timing Timing) (*Connection, error) {
	port, err := OpenSerialPort(cfg)
	if err != nil {
		return nil, err
	}
	return NewConnection(port, timing), nil
}

// SetTrafficRecorder 设置流量记录器，nil表示不记录
func (c *Connection) SetTrafficRecorder(r TrafficRecorder) {
	c.recorder.Store(recorderHolder{r: r})
}

// Timing 返回当前时序
func (c *Connection) Timing() Timing {
	return c.timing
}

// State 返回连接状态
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("Connection state changed",
			zap.Stringer("from", old),
			zap.Stringer("to", s))
	}
}

// Stats 返回统计数据
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		FramesSent:      c.framesSent.Load(),
		FramesReceived:  c.framesReceived.Load(),
		FrameWriteFails: c.frameWriteFails.Load(),
		MalformedFrames: c.malformedFrames.Load(),
		Timeouts:        c.timeouts.Load(),
	}
}

// Close 关闭连接
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateDisabled {
		return nil
	}
	c.setState(StateDisabled)
	if err := c.port.Close(); err != nil {
		return errors.Wrap(err, errors.ErrSerialPortOpen, "close serial port")
	}
	return nil
}

// ReplacePort 关闭旧串口并换上新串口，等待进行中的交互结束后执行
func (c *Connection) ReplacePort(port SerialPort) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.port.Close(); err != nil {
		c.logger.Debug("Closing previous serial port", zap.Error(err))
	}
	c.port = port
	c.setState(StateOpened)
	c.setState(StateReady)
}

// Send 编码并发送一条命令
func (c *Connection) Send(cmd string) error {
	return c.WriteBytes([]byte(cmd))
}

// WriteBytes 编码并发送任意数据
func (c *Connection) WriteBytes(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(data)
}

// ReceiveAvailable 读取并解码当前可用的全部数据
func (c *Connection) ReceiveAvailable() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveAvailable()
}

// ReadDecoded 读取并解码单帧，ok为false表示当前没有完整帧
func (c *Connection) ReadDecoded() (b byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok, err = c.readFrame()
	if err != nil {
		c.setState(StateError)
		return 0, false, errors.Wrap(err, errors.ErrSerialPortRead)
	}
	if ok {
		c.logger.Debug("Read byte", zap.String("bits", FormatByte(b)), zap.String("char", FormatPrintable([]byte{b})))
	}
	return b, ok, nil
}

// WaitForPattern 等待接收数据中出现pattern，timeout为0表示一直等待
func (c *Connection) WaitForPattern(ctx context.Context, pattern string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitForPattern(ctx, pattern, timeout)
}

// WaitForAck 等待通用确认 "ok:\r\n"
func (c *Connection) WaitForAck(ctx context.Context, timeout time.Duration) error {
	return c.WaitForPattern(ctx, ResponseAck, timeout)
}

// SendAndWait 发送命令并等待响应，整个过程不会被其他调用打断
func (c *Connection) SendAndWait(ctx context.Context, cmd, pattern string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send([]byte(cmd)); err != nil {
		return err
	}
	return c.waitForPattern(ctx, pattern, timeout)
}

// SendAndCollect 发送命令并返回收到的第一批数据
func (c *Connection) SendAndCollect(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send([]byte(cmd)); err != nil {
		return "", err
	}
	return c.collect(ctx, timeout)
}

// send 逐字节编码写入，单帧失败后继续发送剩余帧
func (c *Connection) send(data []byte) error {
	start := time.Now()
	var (
		failed   int
		firstErr error
	)

	for _, b := range data {
		if err := c.writeFrame(Encode(b)); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	var result error
	if failed > 0 {
		c.setState(StateError)
		c.logger.Warn("Frame write failed",
			zap.String("data", FormatPrintable(data)),
			zap.Int("failed", failed),
			zap.Int("frames", len(data)),
			zap.Error(firstErr))
		result = errors.Wrapf(firstErr, errors.ErrSerialPortWrite, "%d of %d frames failed", failed, len(data))
	} else {
		c.setState(StateReady)
		c.logger.Debug("Sent", zap.String("data", FormatPrintable(data)))
	}

	c.record(TrafficEntry{
		Direction: DirectionSend,
		Data:      data,
		Frames:    len(data),
		Failed:    failed,
		Duration:  time.Since(start),
		Err:       result,
		Time:      start,
	})
	return result
}

// writeFrame 写入一帧，刷新后等待设备处理
func (c *Connection) writeFrame(f Frame) error {
	n, err := c.port.Write(f[:])
	if err == nil && n != FrameSize {
		err = errors.Newf(errors.ErrSerialPortWrite, "short write: %d of %d bytes", n, FrameSize)
	}
	if flushErr := c.port.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	time.Sleep(c.timing.FrameDelay)

	if err != nil {
		c.frameWriteFails.Add(1)
		return err
	}
	c.framesSent.Add(1)
	return nil
}

// readFrame 读取一帧，ok为false表示没有完整帧
func (c *Connection) readFrame() (b byte, ok bool, err error) {
	var raw [FrameSize]byte
	n, err := c.port.Read(raw[:])
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}

	f, ferr := FrameFromBytes(raw[:n])
	if ferr != nil {
		c.malformedFrames.Add(1)
		c.logger.Warn("Malformed serial frame, ignoring",
			zap.Int("bytes", n),
			zap.Binary("raw", raw[:n]),
			zap.Error(ferr))
		return 0, false, nil
	}

	c.framesReceived.Add(1)
	return Decode(f), true, nil
}

// receiveAvailable 读取直到没有数据，无数据时等待一次后重试
func (c *Connection) receiveAvailable() ([]byte, error) {
	start := time.Now()
	var data []byte

	for {
		b, ok, err := c.readFrame()
		if err == nil && !ok {
			time.Sleep(c.timing.RetryDelay)
			b, ok, err = c.readFrame()
		}
		if err != nil {
			c.setState(StateError)
			c.recordReceive(data, start)
			return data, errors.Wrap(err, errors.ErrSerialPortRead)
		}
		if !ok {
			break
		}
		data = append(data, b)
	}

	c.recordReceive(data, start)
	return data, nil
}

func (c *Connection) recordReceive(data []byte, start time.Time) {
	if len(data) == 0 {
		return
	}
	c.logger.Debug("Received", zap.String("data", FormatPrintable(data)))
	c.record(TrafficEntry{
		Direction: DirectionReceive,
		Data:      data,
		Frames:    len(data),
		Duration:  time.Since(start),
		Time:      start,
	})
}

// waitForPattern 轮询接收并在缓冲区中查找pattern，不匹配时清空缓冲区
func (c *Connection) waitForPattern(ctx context.Context, pattern string, timeout time.Duration) error {
	if pattern == "" {
		return errors.New(errors.ErrInvalidParam, "empty response pattern")
	}

	start := time.Now()
	want := []byte(pattern)
	var buf []byte

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCanceled)
		}

		data, err := c.receiveAvailable()
		if err != nil {
			return err
		}
		if len(data) > 0 {
			buf = append(buf, data...)
			if bytes.Contains(buf, want) {
				return nil
			}
			buf = buf[:0]
		}

		wait, err := c.nextPoll(start, timeout)
		if err != nil {
			c.logger.Debug("Timeout waiting for response",
				zap.String("pattern", FormatPrintable(want)),
				zap.Duration("timeout", timeout))
			return errors.Newf(errors.ErrSerialTimeout, "%q not received within %s", pattern, timeout)
		}
		if !sleepContext(ctx, wait) {
			return errors.Wrap(ctx.Err(), errors.ErrCanceled)
		}
	}
}

// collect 返回第一批解码数据
func (c *Connection) collect(ctx context.Context, timeout time.Duration) (string, error) {
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return "", errors.Wrap(err, errors.ErrCanceled)
		}

		data, err := c.receiveAvailable()
		if err != nil {
			return "", err
		}
		if len(data) > 0 {
			return string(data), nil
		}

		wait, err := c.nextPoll(start, timeout)
		if err != nil {
			return "", errors.Newf(errors.ErrSerialTimeout, "no response within %s", timeout)
		}
		if !sleepContext(ctx, wait) {
			return "", errors.Wrap(ctx.Err(), errors.ErrCanceled)
		}
	}
}

// nextPoll 计算下一次轮询前的等待时间，超时返回错误
func (c *Connection) nextPoll(start time.Time, timeout time.Duration) (time.Duration, error) {
	wait := c.timing.PollInterval
	if timeout <= 0 {
		return wait, nil
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		c.timeouts.Add(1)
		return 0, errors.New(errors.ErrSerialTimeout)
	}
	if remaining < wait {
		wait = remaining
	}
	return wait, nil
}

func (c *Connection) record(entry TrafficEntry) {
	h, ok := c.recorder.Load().(recorderHolder)
	if !ok || h.r == nil {
		return
	}
	h.r.RecordTraffic(entry)
}

// sleepContext 可取消的等待，返回false表示被取消
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
