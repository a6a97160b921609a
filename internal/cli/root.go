package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"github.com/wfunc/jutta-brewer/internal/logger"
)

// Version 版本号
var Version = "1.0.0"

// options 全局参数
type options struct {
	configPath string
	port       string
	backend    string
	baud       int
	mock       bool
	mockModel  string
	verbose    bool
}

// session 一次命令执行所需的连接与控制器
type session struct {
	cfg   *config.Config
	conn  *hardware.Connection
	maker *hardware.CoffeeMaker
	mock  *hardware.MockSerialPort
}

func (s *session) Close() error {
	return s.conn.Close()
}

// NewRootCommand 创建juttactl根命令
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "juttactl",
		Short: "JUTTA coffee machine serial control",
		Long: `juttactl - drive a JUTTA coffee machine over its service port.

Commands are sent with the 4-frame JUTTA encoding and acknowledged with "ok:".
Connection settings come from the config file and can be overridden:

  juttactl --port /dev/ttyUSB0 type
  juttactl --mock brew espresso
  juttactl custom --grind 3.6s --water 40s`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file path")
	flags.StringVarP(&opts.port, "port", "p", "", "Serial port device (overrides config)")
	flags.StringVar(&opts.backend, "backend", "", "Serial backend: bugst or tarm (overrides config)")
	flags.IntVarP(&opts.baud, "baud", "b", 0, "Baud rate (overrides config)")
	flags.BoolVar(&opts.mock, "mock", false, "Use a simulated machine instead of a serial port")
	flags.StringVar(&opts.mockModel, "mock-model", "EF532M V02.03", "Device type reported by the simulated machine")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newPortsCommand(),
		newDrinksCommand(),
		newTypeCommand(opts),
		newBrewCommand(opts),
		newCustomCommand(opts),
		newPressCommand(opts),
		newPageCommand(opts),
		newRawCommand(opts),
		newPowerOffCommand(opts),
		newTestModeCommand(opts),
		newSelfTestCommand(opts),
	)

	return root
}

// Execute 执行根命令
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// loadConfig 读取配置并应用命令行覆盖
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.port != "" {
		cfg.Serial.Port = o.port
	}
	if o.backend != "" {
		cfg.Serial.Backend = o.backend
	}
	if o.baud > 0 {
		cfg.Serial.BaudRate = o.baud
	}
	if o.mock {
		cfg.Serial.MockMode = true
	}

	cfg.Log.Output = "stdout"
	cfg.Log.Level = "warn"
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// open 打开连接并创建控制器
func (o *options) open() (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(&cfg.Log); err != nil {
		return nil, err
	}

	timing := hardware.TimingFromConfig(&cfg.Protocol)
	s := &session{cfg: cfg}

	if cfg.Serial.MockMode {
		s.mock = hardware.NewMockSerialPort(o.mockModel)
		s.conn = hardware.NewConnection(s.mock, timing)
	} else {
		s.conn, err = hardware.OpenConnection(&cfg.Serial, timing)
		if err != nil {
			return nil, err
		}
	}

	s.maker = hardware.NewCoffeeMaker(s.conn, &cfg.Brew)
	return s, nil
}

// withSession 打开连接执行fn后关闭
func (o *options) withSession(fn func(s *session) error) error {
	s, err := o.open()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
