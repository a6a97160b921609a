package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"github.com/wfunc/jutta-brewer/internal/logger"
	"github.com/wfunc/jutta-brewer/internal/models"
	"github.com/wfunc/jutta-brewer/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	journalBufferSize = 1000
	journalBatchSize  = 100
)

// SerialLogService 串口流量日志服务，实现hardware.TrafficRecorder
type SerialLogService struct {
	repo          *repository.SerialLogRepository
	logger        *zap.Logger
	buffer        []*models.SerialLog
	bufferCh      chan *models.SerialLog
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
	flushInterval time.Duration
	sessionID     string
}

// NewSerialLogService 创建串口日志服务
func NewSerialLogService(db *gorm.DB) *SerialLogService {
	return newSerialLogService(db, 5*time.Second)
}

func newSerialLogService(db *gorm.DB, flushInterval time.Duration) *SerialLogService {
	s := &SerialLogService{
		repo:          repository.NewSerialLogRepository(db),
		logger:        logger.GetModuleLogger("journal"),
		buffer:        make([]*models.SerialLog, 0, journalBatchSize),
		bufferCh:      make(chan *models.SerialLog, journalBufferSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		flushInterval: flushInterval,
		sessionID:     uuid.New().String(),
	}

	go s.backgroundWriter()

	return s
}

// SessionID 返回本次进程的会话ID
func (s *SerialLogService) SessionID() string {
	return s.sessionID
}

// backgroundWriter 后台批量写入
func (s *SerialLogService) backgroundWriter() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case log := <-s.bufferCh:
			s.buffer = append(s.buffer, log)
			if len(s.buffer) >= journalBatchSize {
				s.flushBuffer()
			}

		case <-ticker.C:
			s.flushBuffer()

		case <-s.stopCh:
			// 写入通道中剩余的日志
			for {
				select {
				case log := <-s.bufferCh:
					s.buffer = append(s.buffer, log)
				default:
					s.flushBuffer()
					return
				}
			}
		}
	}
}

// flushBuffer 写入缓冲区的日志到数据库
func (s *SerialLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	start := time.Now()
	err := s.repo.CreateBatch(s.buffer)
	logger.LogDatabaseOperation("create_batch", models.SerialLog{}.TableName(), time.Since(start), err)
	if err != nil {
		s.logger.Error("Failed to write serial logs",
			zap.Error(err),
			zap.Int("count", len(s.buffer)))
	}

	s.buffer = s.buffer[:0:0]
}

// RecordTraffic 记录一次串口收发，调用方持有连接锁，不能阻塞
func (s *SerialLogService) RecordTraffic(entry hardware.TrafficEntry) {
	log := s.toSerialLog(entry)

	select {
	case s.bufferCh <- log:
	default:
		s.logger.Warn("Serial log buffer full, dropping entry",
			zap.String("direction", entry.Direction))
	}
}

// toSerialLog 转换为数据库记录
func (s *SerialLogService) toSerialLog(entry hardware.TrafficEntry) *models.SerialLog {
	at := entry.Time
	if at.IsZero() {
		at = time.Now()
	}

	log := &models.SerialLog{
		CreatedAt:    at,
		Direction:    entry.Direction,
		Level:        models.SerialLogLevelInfo,
		RawData:      hardware.FormatPrintable(entry.Data),
		HexData:      fmt.Sprintf("% X", entry.Data),
		BytesCount:   len(entry.Data),
		FailedFrames: entry.Failed,
		SessionID:    s.sessionID,
		Duration:     entry.Duration.Milliseconds(),
		Timestamp:    at.UnixMilli(),
	}

	if entry.Direction == hardware.DirectionSend {
		log.Command = strings.TrimRight(string(entry.Data), "\r\n")
		if i := strings.IndexByte(log.Command, ':'); i > 0 {
			log.Function = log.Command[:i]
		}
	}

	switch {
	case entry.Err != nil:
		log.Level = models.SerialLogLevelError
		log.ErrorMsg = entry.Err.Error()
	case entry.Failed > 0:
		log.Level = models.SerialLogLevelWarn
		log.ErrorMsg = fmt.Sprintf("%d of %d frames not written", entry.Failed, entry.Frames)
	}

	return log
}

// Query 查询日志
func (s *SerialLogService) Query(query *models.SerialLogQuery) ([]*models.SerialLog, int64, error) {
	return s.repo.Query(query)
}

// GetStats 获取统计信息
func (s *SerialLogService) GetStats(startTime, endTime *time.Time) (*models.SerialLogStats, error) {
	return s.repo.GetStats(startTime, endTime)
}

// GetLatestLogs 获取最新日志
func (s *SerialLogService) GetLatestLogs(limit int) ([]*models.SerialLog, error) {
	return s.repo.GetLatest(limit)
}

// GetErrorLogs 获取错误日志
func (s *SerialLogService) GetErrorLogs(limit int) ([]*models.SerialLog, error) {
	return s.repo.GetErrorLogs(limit)
}

// CleanupOldLogs 清理旧日志
func (s *SerialLogService) CleanupOldLogs(retentionDays int) (int64, error) {
	return s.repo.CleanupLogs(retentionDays)
}

// ExportLogs 导出日志为JSON
func (s *SerialLogService) ExportLogs(query *models.SerialLogQuery) ([]byte, error) {
	logs, _, err := s.repo.Query(query)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(logs, "", "  ")
}

// Close 停止后台写入并刷新剩余日志
func (s *SerialLogService) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}
