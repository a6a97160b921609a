package models

import (
	"time"

	"gorm.io/gorm"
)

// SerialLogLevel 日志级别
type SerialLogLevel string

const (
	SerialLogLevelInfo  SerialLogLevel = "INFO"
	SerialLogLevelWarn  SerialLogLevel = "WARN"
	SerialLogLevelError SerialLogLevel = "ERROR"
)

// SerialLog 串口通信日志（解码后的收发数据）
type SerialLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Direction string         `gorm:"type:varchar(10);index;not null" json:"direction"` // SEND/RECEIVE
	Level     SerialLogLevel `gorm:"type:varchar(10);default:INFO" json:"level"`

	// 命令相关
	Command  string `gorm:"type:varchar(64);index" json:"command,omitempty"`  // 如 "FN:07"
	Function string `gorm:"type:varchar(8);index" json:"function,omitempty"`  // 命令前缀，如 "FN"

	// 数据内容
	RawData      string `gorm:"type:text" json:"raw_data,omitempty"` // 转义后的文本
	HexData      string `gorm:"type:text" json:"hex_data,omitempty"` // 解码后的十六进制
	BytesCount   int    `gorm:"default:0" json:"bytes_count"`
	FailedFrames int    `gorm:"default:0" json:"failed_frames,omitempty"`
	ErrorMsg     string `gorm:"type:text" json:"error_msg,omitempty"`

	SessionID string `gorm:"type:varchar(100);index" json:"session_id,omitempty"`
	Duration  int64  `gorm:"default:0" json:"duration,omitempty"` // 毫秒
	Timestamp int64  `gorm:"index" json:"timestamp"`              // Unix毫秒
}

// TableName 指定表名
func (SerialLog) TableName() string {
	return "serial_logs"
}

// BeforeCreate 创建前的钩子
func (s *SerialLog) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Timestamp == 0 {
		s.Timestamp = s.CreatedAt.UnixMilli()
	}
	return nil
}

// SerialLogQuery 查询参数
type SerialLogQuery struct {
	Direction string         `form:"direction" json:"direction,omitempty"`
	Level     SerialLogLevel `form:"level" json:"level,omitempty"`
	Command   string         `form:"command" json:"command,omitempty"`
	Function  string         `form:"function" json:"function,omitempty"`
	SessionID string         `form:"session_id" json:"session_id,omitempty"`
	StartTime *time.Time     `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00" json:"start_time,omitempty"`
	EndTime   *time.Time     `form:"end_time" time_format:"2006-01-02T15:04:05Z07:00" json:"end_time,omitempty"`
	HasError  *bool          `form:"has_error" json:"has_error,omitempty"`
	Limit     int            `form:"limit" json:"limit,omitempty"`
	Offset    int            `form:"offset" json:"offset,omitempty"`
}

// SerialLogStats 统计信息
type SerialLogStats struct {
	TotalCount   int64   `json:"total_count"`
	TotalSend    int64   `json:"total_send"`
	TotalReceive int64   `json:"total_receive"`
	TotalErrors  int64   `json:"total_errors"`
	AvgDuration  float64 `json:"avg_duration"`
	MaxDuration  int64   `json:"max_duration"`
}
