package hardware

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/jutta-brewer/internal/errors"
)

// fastTiming 缩短时序以加快测试
func fastTiming() Timing {
	return Timing{
		FrameDelay:   time.Millisecond,
		RetryDelay:   5 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		AckTimeout:   500 * time.Millisecond,
	}
}

// ScriptedSerialPort 基于testify mock的串口，用于模拟写入失败
type ScriptedSerialPort struct {
	mock.Mock
}

func (p *ScriptedSerialPort) Read(b []byte) (int, error) {
	args := p.Called(b)
	return args.Int(0), args.Error(1)
}

func (p *ScriptedSerialPort) Write(b []byte) (int, error) {
	args := p.Called(b)
	return args.Int(0), args.Error(1)
}

func (p *ScriptedSerialPort) Flush() error {
	return p.Called().Error(0)
}

func (p *ScriptedSerialPort) Close() error {
	return p.Called().Error(0)
}

// recordingRecorder 收集流量记录
type recordingRecorder struct {
	mu      sync.Mutex
	entries []TrafficEntry
}

func (r *recordingRecorder) RecordTraffic(entry TrafficEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingRecorder) all() []TrafficEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TrafficEntry(nil), r.entries...)
}

func TestConnectionSendEncodesFrames(t *testing.T) {
	port := NewMockSerialPort("EF532M V02.03")
	conn := NewConnection(port, fastTiming())
	defer conn.Close()

	require.NoError(t, conn.Send(CmdGrinderOn))
	assert.Equal(t, []string{CmdGrinderOn}, port.Commands())
	assert.Equal(t, uint64(len(CmdGrinderOn)), conn.Stats().FramesSent)
	assert.Equal(t, StateReady, conn.State())
}

func TestConnectionFrameSettleDelay(t *testing.T) {
	port := NewMockSerialPort("E6")
	timing := fastTiming()
	timing.FrameDelay = 8 * time.Millisecond
	conn := NewConnection(port, timing)

	start := time.Now()
	require.NoError(t, conn.Send("AN:20\r\n"))
	assert.GreaterOrEqual(t, time.Since(start), 7*8*time.Millisecond)
}

func TestConnectionSendBestEffort(t *testing.T) {
	port := new(ScriptedSerialPort)
	// 第2帧写入失败，其余帧照常发送
	port.On("Write", mock.Anything).Return(4, nil).Once()
	port.On("Write", mock.Anything).Return(0, fmt.Errorf("input/output error")).Once()
	port.On("Write", mock.Anything).Return(4, nil)
	port.On("Flush").Return(nil)

	conn := NewConnection(port, fastTiming())
	err := conn.Send("TY:\r\n")

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSerialPortWrite))
	port.AssertNumberOfCalls(t, "Write", 5)
	assert.Equal(t, uint64(4), conn.Stats().FramesSent)
	assert.Equal(t, uint64(1), conn.Stats().FrameWriteFails)
	assert.Equal(t, StateError, conn.State())
}

func TestConnectionShortWrite(t *testing.T) {
	port := new(ScriptedSerialPort)
	port.On("Write", mock.Anything).Return(2, nil)
	port.On("Flush").Return(nil)

	conn := NewConnection(port, fastTiming())
	err := conn.WriteBytes([]byte{0x42})
	assert.True(t, errors.Is(err, errors.ErrSerialPortWrite))
}

func TestConnectionReceiveAvailable(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	data, err := conn.ReceiveAvailable()
	require.NoError(t, err)
	assert.Empty(t, data)

	port.Inject("ok:\r\n")
	data, err = conn.ReceiveAvailable()
	require.NoError(t, err)
	assert.Equal(t, "ok:\r\n", string(data))
}

func TestConnectionReadDecoded(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	_, ok, err := conn.ReadDecoded()
	require.NoError(t, err)
	assert.False(t, ok)

	port.Inject("o")
	b, ok, err := conn.ReadDecoded()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte('o'), b)

	port.SetReadError(fmt.Errorf("device disconnected"))
	_, _, err = conn.ReadDecoded()
	assert.True(t, errors.Is(err, errors.ErrSerialPortRead))
}

func TestConnectionMalformedFrameDiscarded(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	port.InjectRaw([]byte{0x5B, 0x5F})
	port.Inject("o")
	port.InjectRaw([]byte{0x00, 0x5B, 0x5B, 0x5B})
	port.Inject("k")

	data, err := conn.ReceiveAvailable()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, uint64(2), conn.Stats().MalformedFrames)
}

func TestConnectionReadError(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())
	port.SetReadError(fmt.Errorf("device disconnected"))

	_, err := conn.ReceiveAvailable()
	assert.True(t, errors.Is(err, errors.ErrSerialPortRead))
	assert.Equal(t, StateError, conn.State())
}

// TestWaitForAckTimeout 使用默认时序，超时不早于timeout且最多多一个轮询间隔
func TestWaitForAckTimeout(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, DefaultTiming())

	start := time.Now()
	err := conn.WaitForAck(context.Background(), 1000*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSerialTimeout))
	assert.GreaterOrEqual(t, elapsed, 1000*time.Millisecond)
	assert.Less(t, elapsed, 1350*time.Millisecond)
	assert.Equal(t, uint64(1), conn.Stats().Timeouts)
}

func TestSendAndWaitTypeQuery(t *testing.T) {
	tests := []struct {
		name    string
		delay   time.Duration
		wantErr bool
	}{
		{"及时回复", 50 * time.Millisecond, false},
		{"回复过晚", 1500 * time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewMockSerialPort("E6")
			defer port.Close()
			port.SetResponder(func(cmd string) (string, time.Duration) {
				if cmd == CmdGetType {
					return "ty:E6\r\n", tt.delay
				}
				return "", 0
			})
			conn := NewConnection(port, DefaultTiming())

			err := conn.SendAndWait(context.Background(), CmdGetType, "ty:E6", 1000*time.Millisecond)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrSerialTimeout))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSendAndWaitSkipsWaitOnWriteFailure(t *testing.T) {
	port := NewMockSerialPort("E6")
	port.SetWriteError(fmt.Errorf("broken pipe"))
	conn := NewConnection(port, DefaultTiming())

	start := time.Now()
	err := conn.SendAndWait(context.Background(), CmdGetType, "ty:", 5*time.Second)
	assert.True(t, errors.Is(err, errors.ErrSerialPortWrite))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForPatternSlidingWindow(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	port.Inject("xxty:EF532M V02.03\r\n")
	assert.NoError(t, conn.WaitForPattern(context.Background(), "EF532M", 200*time.Millisecond))

	err := conn.WaitForPattern(context.Background(), "", time.Second)
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
}

func TestWaitForPatternCanceled(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// timeout为0表示无限等待，只能被ctx打断
	err := conn.WaitForPattern(ctx, ResponseAck, 0)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
}

func TestSendAndCollect(t *testing.T) {
	port := NewMockSerialPort("EF532M V02.03")
	conn := NewConnection(port, fastTiming())

	resp, err := conn.SendAndCollect(context.Background(), CmdGetType, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ty:EF532M V02.03\r\n", resp)

	port.SetResponder(nil)
	_, err = conn.SendAndCollect(context.Background(), CmdGetType, 100*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrSerialTimeout))
}

// TestConnectionExclusive 并发交换不会交错
func TestConnectionExclusive(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	cmds := []string{CmdPumpOn, CmdHeaterOn, CmdGrinderOn, CmdPressOn}
	var wg sync.WaitGroup
	for _, cmd := range cmds {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			assert.NoError(t, conn.SendAndWait(context.Background(), cmd, ResponseAck, time.Second))
		}(cmd)
	}
	wg.Wait()

	assert.ElementsMatch(t, cmds, port.Commands())
}

func TestConnectionTrafficRecorder(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())
	rec := &recordingRecorder{}
	conn.SetTrafficRecorder(rec)

	require.NoError(t, conn.SendAndWait(context.Background(), CmdPumpOn, ResponseAck, time.Second))

	entries := rec.all()
	require.Len(t, entries, 2)
	assert.Equal(t, DirectionSend, entries[0].Direction)
	assert.Equal(t, CmdPumpOn, string(entries[0].Data))
	assert.Equal(t, DirectionReceive, entries[1].Direction)
	assert.Equal(t, ResponseAck, string(entries[1].Data))

	conn.SetTrafficRecorder(nil)
	require.NoError(t, conn.Send(CmdPumpOff))
	assert.Len(t, rec.all(), 2)
}

func TestConnectionClose(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())

	require.NoError(t, conn.Close())
	assert.Equal(t, StateDisabled, conn.State())
	assert.NoError(t, conn.Close())
	assert.Error(t, conn.Send(CmdPumpOn))
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
