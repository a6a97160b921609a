package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"github.com/wfunc/jutta-brewer/internal/models"
	"github.com/wfunc/jutta-brewer/internal/repository"
)

func TestSerialLogServiceRecordsTraffic(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := newSerialLogService(db, time.Hour)

	now := time.Now()
	svc.RecordTraffic(hardware.TrafficEntry{
		Direction: hardware.DirectionSend,
		Data:      []byte("FN:07\r\n"),
		Frames:    7,
		Duration:  60 * time.Millisecond,
		Time:      now,
	})
	svc.RecordTraffic(hardware.TrafficEntry{
		Direction: hardware.DirectionReceive,
		Data:      []byte("ok:\r\n"),
		Frames:    5,
		Time:      now.Add(time.Millisecond),
	})
	svc.RecordTraffic(hardware.TrafficEntry{
		Direction: hardware.DirectionSend,
		Data:      []byte("FN:08\r\n"),
		Frames:    7,
		Failed:    2,
		Time:      now.Add(2 * time.Millisecond),
	})
	svc.RecordTraffic(hardware.TrafficEntry{
		Direction: hardware.DirectionReceive,
		Err:       errors.New("device disconnected"),
		Time:      now.Add(3 * time.Millisecond),
	})

	// Close前不落库
	logs, total, err := svc.Query(&models.SerialLogQuery{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, logs)

	svc.Close()
	svc.Close()

	logs, total, err = svc.Query(&models.SerialLogQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 4, total)

	// 按ID倒序
	send := logs[3]
	assert.Equal(t, hardware.DirectionSend, send.Direction)
	assert.Equal(t, "FN:07", send.Command)
	assert.Equal(t, "FN", send.Function)
	assert.Equal(t, `FN:07\r\n`, send.RawData)
	assert.Equal(t, "46 4E 3A 30 37 0D 0A", send.HexData)
	assert.Equal(t, 7, send.BytesCount)
	assert.EqualValues(t, 60, send.Duration)
	assert.Equal(t, svc.SessionID(), send.SessionID)
	assert.Equal(t, models.SerialLogLevelInfo, send.Level)

	recv := logs[2]
	assert.Equal(t, hardware.DirectionReceive, recv.Direction)
	assert.Empty(t, recv.Command)
	assert.Equal(t, `ok:\r\n`, recv.RawData)

	partial := logs[1]
	assert.Equal(t, models.SerialLogLevelWarn, partial.Level)
	assert.Equal(t, 2, partial.FailedFrames)
	assert.Contains(t, partial.ErrorMsg, "2 of 7")

	failed := logs[0]
	assert.Equal(t, models.SerialLogLevelError, failed.Level)
	assert.Equal(t, "device disconnected", failed.ErrorMsg)

	stats, err := svc.GetStats(nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalSend)
	assert.EqualValues(t, 2, stats.TotalReceive)
	assert.EqualValues(t, 2, stats.TotalErrors)

	errLogs, err := svc.GetErrorLogs(10)
	require.NoError(t, err)
	assert.Len(t, errLogs, 2)
}

func TestSerialLogServiceFlushesOnInterval(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := newSerialLogService(db, 20*time.Millisecond)
	defer svc.Close()

	svc.RecordTraffic(hardware.TrafficEntry{
		Direction: hardware.DirectionSend,
		Data:      []byte("TY:\r\n"),
	})

	assert.Eventually(t, func() bool {
		logs, err := svc.GetLatestLogs(10)
		return err == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSerialLogServiceExport(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := newSerialLogService(db, time.Hour)
	svc.RecordTraffic(hardware.TrafficEntry{
		Direction: hardware.DirectionSend,
		Data:      []byte("AN:01\r\n"),
	})
	svc.Close()

	data, err := svc.ExportLogs(&models.SerialLogQuery{Function: "AN"})
	require.NoError(t, err)

	var exported []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 1)
	assert.Equal(t, "AN:01", exported[0]["command"])
}

func TestSerialLogServiceWiredToConnection(t *testing.T) {
	db := repository.SetupTestDB()
	defer repository.CleanupTestDB(db)

	svc := newSerialLogService(db, time.Hour)

	port := hardware.NewMockSerialPort("EF532M V02.03")
	conn := hardware.NewConnection(port, hardware.Timing{
		FrameDelay:   time.Millisecond,
		RetryDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		AckTimeout:   500 * time.Millisecond,
	})
	defer conn.Close()
	conn.SetTrafficRecorder(svc)

	reply, err := conn.SendAndCollect(context.Background(), "TY:\r\n", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, reply, "ty:EF532M")

	svc.Close()

	logs, total, err := svc.Query(&models.SerialLogQuery{Direction: hardware.DirectionSend})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "TY:", logs[0].Command)
}
