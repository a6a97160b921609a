package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/jutta-brewer/internal/database"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"github.com/wfunc/jutta-brewer/internal/logger"
	"github.com/wfunc/jutta-brewer/internal/middleware"
	"github.com/wfunc/jutta-brewer/internal/service"
	"github.com/wfunc/jutta-brewer/internal/websocket"
	"go.uber.org/zap"
)

// Options 路由依赖，Journal与Hub可为nil
type Options struct {
	Mode    string
	Maker   *hardware.CoffeeMaker
	Auth    service.AuthService
	Journal *service.SerialLogService
	Hub     *websocket.Hub
	Log     *zap.Logger
}

// Router API路由器
type Router struct {
	engine         *gin.Engine
	opts           Options
	machine        *MachineHandler
	authHandler    *AuthHandler
	authMiddleware *middleware.AuthMiddleware
	log            *zap.Logger
}

// NewRouter 创建路由器，ctx结束时后台冲煮被取消
func NewRouter(ctx context.Context, opts Options) *Router {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.Log == nil {
		opts.Log = logger.GetModuleLogger("api")
	}

	engine := gin.New()
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(recovered, debug.Stack())
		respondError(c, errors.New(errors.ErrUnknown, "internal error"))
	}))
	engine.Use(requestLogger())

	r := &Router{
		engine:         engine,
		opts:           opts,
		machine:        NewMachineHandler(ctx, opts.Maker, opts.Log),
		authHandler:    NewAuthHandler(opts.Auth),
		authMiddleware: middleware.NewAuthMiddleware(opts.Auth),
		log:            opts.Log,
	}

	r.setupRoutes()
	return r
}

// requestLogger 请求日志中间件
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		v1.POST("/auth/token", r.authHandler.IssueToken)

		protected := v1.Group("")
		protected.Use(r.authMiddleware.RequireAuth())
		{
			r.machine.RegisterRoutes(protected)
			protected.GET("/ports", r.listPorts)

			if r.opts.Journal != nil {
				NewSerialLogAPI(r.opts.Journal).RegisterRoutes(protected)
			}
		}
	}

	if r.opts.Hub != nil {
		r.engine.GET("/ws/status", r.authMiddleware.RequireAuth(), r.opts.Hub.ServeWS)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		respondError(c, errors.New(errors.ErrNotFound, c.Request.URL.Path))
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	state := r.opts.Maker.Connection().State()
	healthy := state == hardware.StateReady || state == hardware.StateOpened

	body := gin.H{
		"status":     "healthy",
		"connection": state.String(),
		"brew_state": r.opts.Maker.State(),
	}
	if r.opts.Journal != nil {
		body["database"] = database.IsConnected()
	}
	if r.opts.Hub != nil {
		body["ws_clients"] = r.opts.Hub.GetOnlineCount()
	}

	status := http.StatusOK
	if !healthy {
		body["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

// listPorts 列出可用串口
func (r *Router) listPorts(c *gin.Context) {
	ports, err := hardware.ListPorts()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ports)
}

// Handler 返回http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
