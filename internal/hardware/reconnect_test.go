package hardware

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
)

func TestReconnectAfterReadError(t *testing.T) {
	oldPort := NewMockSerialPort("E6")
	newPort := NewMockSerialPort("E6")
	conn := NewConnection(oldPort, fastTiming())
	defer conn.Close()

	var attempts atomic.Int32
	opener := func() (SerialPort, error) {
		if attempts.Add(1) == 1 {
			return nil, fmt.Errorf("no such file or directory")
		}
		return newPort, nil
	}

	mgr := NewReconnectManager(conn, opener, 10*time.Millisecond, 40*time.Millisecond)
	reconnected := make(chan struct{}, 1)
	mgr.OnReconnect(func() { reconnected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	oldPort.SetReadError(fmt.Errorf("input/output error"))
	_, err := conn.ReceiveAvailable()
	require.True(t, errors.Is(err, errors.ErrSerialPortRead))
	require.Equal(t, StateError, conn.State())

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not reopened")
	}

	assert.Equal(t, StateReady, conn.State())
	assert.Equal(t, uint64(1), mgr.Reconnects())
	assert.Equal(t, int32(2), attempts.Load())

	// 旧串口已关闭，新串口接管通信
	_, err = oldPort.Write([]byte{0x5B})
	assert.Error(t, err)
	require.NoError(t, conn.SendAndWait(context.Background(), CmdGetType, ResponseTypePrefix, time.Second))
	assert.Equal(t, []string{CmdGetType}, newPort.Commands())
}

func TestReconnectIgnoresHealthyConnection(t *testing.T) {
	port := NewMockSerialPort("E6")
	conn := NewConnection(port, fastTiming())
	defer conn.Close()

	var attempts atomic.Int32
	mgr := NewReconnectManager(conn, func() (SerialPort, error) {
		attempts.Add(1)
		return NewMockSerialPort("E6"), nil
	}, 5*time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	mgr.TriggerReconnect()
	mgr.Run(ctx)

	assert.Zero(t, attempts.Load())
	assert.Zero(t, mgr.Reconnects())
}

func TestConfigPortOpenerMissingDevice(t *testing.T) {
	open := ConfigPortOpener(&config.SerialConfig{
		Port:     filepath.Join(t.TempDir(), "ttyUSB9"),
		Backend:  BackendBugst,
		BaudRate: 9600,
	})

	_, err := open()
	assert.True(t, errors.Is(err, errors.ErrDeviceOffline))
}
