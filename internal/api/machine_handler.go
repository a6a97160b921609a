package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"go.uber.org/zap"
)

// MachineHandler 咖啡机控制接口
type MachineHandler struct {
	maker   *hardware.CoffeeMaker
	baseCtx context.Context
	log     *zap.Logger
}

// NewMachineHandler 创建咖啡机控制接口，baseCtx结束时取消后台冲煮
func NewMachineHandler(baseCtx context.Context, maker *hardware.CoffeeMaker, log *zap.Logger) *MachineHandler {
	return &MachineHandler{
		maker:   maker,
		baseCtx: baseCtx,
		log:     log,
	}
}

// RegisterRoutes 注册路由
func (h *MachineHandler) RegisterRoutes(router *gin.RouterGroup) {
	m := router.Group("/machine")
	{
		m.GET("/status", h.GetStatus)
		m.GET("/type", h.GetDeviceType)
		m.GET("/drinks", h.ListDrinks)
		m.POST("/brew", h.Brew)
		m.POST("/brew/custom", h.BrewCustom)
		m.POST("/cancel", h.Cancel)
		m.POST("/buttons/:n", h.PressButton)
		m.POST("/page", h.SwitchPage)
		m.POST("/raw", h.SendRaw)
		m.POST("/power-off", h.PowerOff)
		m.POST("/test-mode", h.SetTestMode)
	}
}

// GetStatus 状态快照
func (h *MachineHandler) GetStatus(c *gin.Context) {
	respondOK(c, h.maker.Status())
}

// GetDeviceType 查询机型
func (h *MachineHandler) GetDeviceType(c *gin.Context) {
	model, err := h.maker.DeviceType(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"type": model})
}

// DrinkInfo 饮品信息
type DrinkInfo struct {
	Name   string `json:"name"`
	Page   int    `json:"page"`
	Button int    `json:"button"`
}

// ListDrinks 列出面板饮品
func (h *MachineHandler) ListDrinks(c *gin.Context) {
	drinks := hardware.Drinks()
	list := make([]DrinkInfo, 0, len(drinks))
	for _, d := range drinks {
		page, _ := d.Page()
		button, _ := d.Button()
		list = append(list, DrinkInfo{Name: d.String(), Page: page, Button: int(button)})
	}
	respondOK(c, list)
}

// BrewRequest 面板饮品请求
type BrewRequest struct {
	Drink string `json:"drink" binding:"required"`
}

// Brew 通过面板按键冲煮饮品
func (h *MachineHandler) Brew(c *gin.Context) {
	var req BrewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	drink, err := hardware.ParseDrink(req.Drink)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.maker.BrewCoffee(c.Request.Context(), drink); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"drink": drink.String(), "page": h.maker.Page()})
}

// CustomBrewRequest 自定义冲煮请求，时间单位为毫秒，未设置使用默认值
type CustomBrewRequest struct {
	GrindMs            int64  `json:"grind_ms"`
	CompressMs         int64  `json:"compress_ms"`
	WaterMs            int64  `json:"water_ms"`
	CompressHoldMs     *int64 `json:"compress_hold_ms"`
	PreInfusionMs      *int64 `json:"pre_infusion_ms"`
	PreInfusionPauseMs *int64 `json:"pre_infusion_pause_ms"`
	Wait               bool   `json:"wait"`
}

// Params 合并默认参数
func (r *CustomBrewRequest) Params(defaults hardware.BrewParams) hardware.BrewParams {
	p := defaults
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

	if r.GrindMs != 0 {
		p.GrindTime = ms(r.GrindMs)
	}
	if r.CompressMs != 0 {
		p.CompressTime = ms(r.CompressMs)
	}
	if r.WaterMs != 0 {
		p.WaterTime = ms(r.WaterMs)
	}
	if r.CompressHoldMs != nil {
		p.CompressHold = ms(*r.CompressHoldMs)
	}
	if r.PreInfusionMs != nil {
		p.PreInfusionTime = ms(*r.PreInfusionMs)
	}
	if r.PreInfusionPauseMs != nil {
		p.PreInfusionPause = ms(*r.PreInfusionPauseMs)
	}
	return p
}

// BrewCustom 自定义冲煮。默认后台执行并返回202，wait=true时等待结果
func (h *MachineHandler) BrewCustom(c *gin.Context) {
	var req CustomBrewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	params := req.Params(h.maker.DefaultParams())
	if err := params.Validate(); err != nil {
		respondError(c, err)
		return
	}

	if req.Wait {
		result, err := h.maker.BrewCustomCoffee(c.Request.Context(), params)
		if err != nil && result == nil {
			respondError(c, err)
			return
		}
		status := http.StatusOK
		if err != nil {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"success": err == nil, "data": result})
		return
	}

	accepted, err := h.maker.StartCustomBrew(h.baseCtx, params, func(result *hardware.BrewResult, err error) {
		if err != nil {
			h.log.Warn("Background brew failed", zap.Error(err))
			return
		}
		h.log.Info("Background brew done",
			zap.String("id", result.ID),
			zap.Bool("completed", result.Completed),
			zap.Bool("canceled", result.Canceled))
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": gin.H{"id": accepted.ID, "params": params}})
}

// Cancel 取消进行中的自定义冲煮
func (h *MachineHandler) Cancel(c *gin.Context) {
	respondOK(c, gin.H{"canceled": h.maker.Cancel()})
}

// PressButton 按下面板按键
func (h *MachineHandler) PressButton(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.maker.PressButton(c.Request.Context(), hardware.Button(n)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"button": n})
}

// PageRequest 翻页请求，未指定页码时翻到下一页
type PageRequest struct {
	Page *int `json:"page"`
}

// SwitchPage 切换面板页
func (h *MachineHandler) SwitchPage(c *gin.Context) {
	var req PageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	var err error
	if req.Page == nil {
		err = h.maker.SwitchPage(c.Request.Context())
	} else {
		err = h.maker.SwitchToPage(c.Request.Context(), *req.Page)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"page": h.maker.Page()})
}

// RawRequest 原始命令请求
type RawRequest struct {
	Command   string `json:"command" binding:"required"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// SendRaw 发送原始命令并返回第一批响应
func (h *MachineHandler) SendRaw(c *gin.Context) {
	var req RawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = h.maker.Connection().Timing().AckTimeout
	}

	reply, err := h.maker.SendRaw(c.Request.Context(), req.Command, timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"reply": reply, "printable": hardware.FormatPrintable([]byte(reply))})
}

// PowerOff 关机
func (h *MachineHandler) PowerOff(c *gin.Context) {
	if err := h.maker.PowerOff(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// TestModeRequest 测试模式请求
type TestModeRequest struct {
	On bool `json:"on"`
}

// SetTestMode 切换测试模式
func (h *MachineHandler) SetTestMode(c *gin.Context) {
	var req TestModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.maker.SetTestMode(c.Request.Context(), req.On); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"test_mode": req.On})
}
