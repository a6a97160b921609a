package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/wfunc/jutta-brewer/internal/api"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/database"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"github.com/wfunc/jutta-brewer/internal/logger"
	"github.com/wfunc/jutta-brewer/internal/service"
	"github.com/wfunc/jutta-brewer/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 模拟模式下上报的机型
const mockModel = "EF532M V02.03"

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	conn       *hardware.Connection
	maker      *hardware.CoffeeMaker
	journal    *service.SerialLogService
	hub        *websocket.Hub
	httpServer *http.Server

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("Server failed to start", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server stopped")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("Starting JUTTA brewer",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
		zap.Bool("mock", s.cfg.Serial.MockMode),
	)

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "init components")
	}

	s.startServices()

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("Config changed, reloading")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("Server started")
	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	if err := hardware.VerifyCodec(); err != nil {
		return err
	}

	if err := s.initSerial(); err != nil {
		return err
	}

	if s.cfg.Database.Enabled {
		if err := s.initDatabase(); err != nil {
			return err
		}
	}

	s.hub = websocket.NewHub(logger.GetModuleLogger("websocket"), websocket.StatusOf(s.maker))
	websocket.BindCoffeeMaker(s.hub, s.maker)
	return nil
}

// initSerial 打开串口并创建咖啡机控制器
func (s *Server) initSerial() error {
	timing := hardware.TimingFromConfig(&s.cfg.Protocol)

	if s.cfg.Serial.MockMode {
		s.logger.Warn("Serial mock mode enabled, no machine attached")
		s.conn = hardware.NewConnection(hardware.NewMockSerialPort(mockModel), timing)
	} else {
		conn, err := hardware.OpenConnection(&s.cfg.Serial, timing)
		if err != nil {
			return err
		}
		s.conn = conn
	}

	s.maker = hardware.NewCoffeeMaker(s.conn, &s.cfg.Brew)

	// 启动时查询机型仅用于确认链路，失败不阻止启动
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Protocol.AckTimeout+time.Second)
	defer cancel()
	if model, err := s.maker.DeviceType(ctx); err != nil {
		s.logger.Warn("Machine did not report its type", zap.Error(err))
	} else {
		s.logger.Info("Machine connected", zap.String("type", model), zap.String("port", s.cfg.Serial.Port))
	}
	return nil
}

// initDatabase 初始化串口流量日志
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "open database")
	}

	db := database.GetDB()
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "migrate database")
		}
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "database ping failed")
	}

	s.journal = service.NewSerialLogService(db)
	s.conn.SetTrafficRecorder(s.journal)
	s.logger.Info("Serial traffic journal enabled",
		zap.String("driver", s.cfg.Database.Driver),
		zap.String("session", s.journal.SessionID()),
	)
	return nil
}

// startServices 启动服务
func (s *Server) startServices() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	if s.journal != nil && s.cfg.Database.RetentionDays > 0 {
		s.wg.Add(1)
		go s.runRetention()
	}

	if !s.cfg.Serial.MockMode {
		s.startReconnect()
	}

	if s.cfg.Server.Enabled {
		s.startHTTPServer()
	}
}

// startReconnect 串口读写失败后自动重新打开设备
func (s *Server) startReconnect() {
	mgr := hardware.NewReconnectManager(s.conn,
		hardware.ConfigPortOpener(&s.cfg.Serial),
		s.cfg.Serial.ReconnectInterval,
		s.cfg.Serial.ReconnectMaxInterval)
	mgr.OnReconnect(func() {
		s.hub.Broadcast(websocket.MessageTypeStatus, s.maker.Status())
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		mgr.Run(s.ctx)
	}()
}

// startHTTPServer 启动HTTP控制接口
func (s *Server) startHTTPServer() {
	auth := service.NewAuthService(&s.cfg.Security, logger.GetModuleLogger("auth"))

	router := api.NewRouter(s.ctx, api.Options{
		Mode:    s.cfg.Server.Mode,
		Maker:   s.maker,
		Auth:    auth,
		Journal: s.journal,
		Hub:     s.hub,
		Log:     logger.GetModuleLogger("api"),
	})

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// runRetention 每天清理过期的串口日志
func (s *Server) runRetention() {
	defer s.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	cleanup := func() {
		removed, err := s.journal.CleanupOldLogs(s.cfg.Database.RetentionDays)
		if err != nil {
			logger.LogError(err, "Serial log cleanup failed", zap.Int("retention_days", s.cfg.Database.RetentionDays))
			return
		}
		if removed > 0 {
			s.logger.Info("Serial logs cleaned up", zap.Int64("removed", removed))
		}
	}

	cleanup()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	sig := <-sigCh
	s.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	close(s.shutdownCh)
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown", zap.Error(err))
		}
	}

	// 取消主上下文：后台冲煮被取消并复位，Hub与清理任务退出
	s.cancel()

	// 等待进行中的冲煮完成复位后再关闭串口
	if !s.waitBrewIdle(shutdownCtx) {
		s.logger.Warn("Brew still running at shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Shutdown timed out")
		return errors.New(errors.ErrTimeout, "shutdown timed out")
	}

	s.closeComponents()

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}
	return nil
}

// waitBrewIdle 等待咖啡机解锁，ctx结束时返回false
func (s *Server) waitBrewIdle(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for s.maker.IsLocked() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// closeComponents 关闭组件
func (s *Server) closeComponents() {
	if s.journal != nil {
		s.journal.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("Database close failed", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Error("Serial port close failed", zap.Error(err))
	}
}

// reloadConfig 重新加载配置，仅日志级别即时生效
func (s *Server) reloadConfig(newCfg *config.Config) {
	logger.SetLevel(newCfg.Log.Level)
	s.logger.Info("Config reloaded", zap.String("log_level", newCfg.Log.Level))
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("JUTTA咖啡机控制服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("JUTTA咖啡机控制服务")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  jutta-server [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  JUTTA_SERIAL_PORT      串口设备")
	fmt.Println("  JUTTA_SERIAL_MOCK_MODE 使用模拟咖啡机")
	fmt.Println("  JUTTA_SERVER_PORT      HTTP端口")
}
