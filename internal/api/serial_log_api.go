package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/models"
	"github.com/wfunc/jutta-brewer/internal/service"
)

// SerialLogAPI 串口日志API
type SerialLogAPI struct {
	service *service.SerialLogService
}

// NewSerialLogAPI 创建串口日志API
func NewSerialLogAPI(service *service.SerialLogService) *SerialLogAPI {
	return &SerialLogAPI{
		service: service,
	}
}

// RegisterRoutes 注册路由
func (api *SerialLogAPI) RegisterRoutes(router *gin.RouterGroup) {
	logs := router.Group("/serial-logs")
	{
		logs.GET("", api.QueryLogs)
		logs.GET("/latest", api.GetLatestLogs)
		logs.GET("/stats", api.GetStats)
		logs.GET("/errors", api.GetErrorLogs)
		logs.POST("/cleanup", api.CleanupLogs)
		logs.GET("/export", api.ExportLogs)
	}
}

func parseTimeRange(c *gin.Context) (start, end *time.Time) {
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = &t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = &t
		}
	}
	return start, end
}

func parseQuery(c *gin.Context) *models.SerialLogQuery {
	query := &models.SerialLogQuery{
		Direction: c.Query("direction"),
		Level:     models.SerialLogLevel(c.Query("level")),
		Command:   c.Query("command"),
		Function:  c.Query("function"),
		SessionID: c.Query("session_id"),
	}
	query.StartTime, query.EndTime = parseTimeRange(c)

	if c.Query("has_error") == "true" {
		b := true
		query.HasError = &b
	}

	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	query.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return query
}

// QueryLogs 查询日志列表
func (api *SerialLogAPI) QueryLogs(c *gin.Context) {
	query := parseQuery(c)

	logs, total, err := api.service.Query(query)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}

	respondOK(c, gin.H{
		"logs":   logs,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

// GetLatestLogs 获取最新日志
func (api *SerialLogAPI) GetLatestLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	logs, err := api.service.GetLatestLogs(limit)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	respondOK(c, logs)
}

// GetStats 获取统计信息
func (api *SerialLogAPI) GetStats(c *gin.Context) {
	start, end := parseTimeRange(c)

	stats, err := api.service.GetStats(start, end)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	respondOK(c, stats)
}

// GetErrorLogs 获取错误日志
func (api *SerialLogAPI) GetErrorLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := api.service.GetErrorLogs(limit)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	respondOK(c, logs)
}

// CleanupLogs 清理旧日志
func (api *SerialLogAPI) CleanupLogs(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("retention_days", "14"))
	if err != nil {
		badRequest(c, err)
		return
	}

	deleted, err := api.service.CleanupOldLogs(days)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseDelete))
		return
	}
	respondOK(c, gin.H{"deleted": deleted})
}

// ExportLogs 导出日志
func (api *SerialLogAPI) ExportLogs(c *gin.Context) {
	query := parseQuery(c)
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "10000"))

	data, err := api.service.ExportLogs(query)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}

	filename := "serial_logs_" + time.Now().Format("20060102_150405") + ".json"
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(200, "application/json", data)
}
