package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Brew     BrewConfig     `mapstructure:"brew"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
}

// ServerConfig HTTP控制接口配置
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 串口流量日志数据库配置
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

// SerialConfig 串口配置
type SerialConfig struct {
	MockMode    bool          `mapstructure:"mock_mode"` // 使用模拟咖啡机
	Backend     string        `mapstructure:"backend"`   // bugst 或 tarm
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`     // 连接异常后的检查与首次重试间隔
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"` // 重试间隔上限
}

// ProtocolConfig JUTTA传输层时序配置
type ProtocolConfig struct {
	FrameDelay   time.Duration `mapstructure:"frame_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
}

// BrewConfig 冲煮参数配置
type BrewConfig struct {
	GrindTime        time.Duration `mapstructure:"grind_time"`
	CompressTime     time.Duration `mapstructure:"compress_time"`
	WaterTime        time.Duration `mapstructure:"water_time"`
	CompressHold     time.Duration `mapstructure:"compress_hold"`
	PreInfusionTime  time.Duration `mapstructure:"pre_infusion_time"`
	PreInfusionPause time.Duration `mapstructure:"pre_infusion_pause"`
	ButtonSettle     time.Duration `mapstructure:"button_settle"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKeyHash  string `mapstructure:"api_key_hash"` // argon2id编码的API密钥
	JWTSecret   string `mapstructure:"jwt_secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化全局配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = newViper(configPath)
		var loaded *Config
		loaded, err = load(v)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})
	return err
}

// Load 读取配置文件但不修改全局配置，供命令行工具与测试使用
func Load(configPath string) (*Config, error) {
	return load(newViper(configPath))
}

func newViper(configPath string) *viper.Viper {
	nv := viper.New()

	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	nv.SetEnvPrefix("JUTTA")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)
	return nv
}

func load(nv *viper.Viper) (*Config, error) {
	if err := nv.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	loaded := &Config{}
	if err := nv.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/jutta.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention_days", 14)

	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.backend", "bugst")
	v.SetDefault("serial.port", "/dev/ttyS0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.read_timeout", "10ms")
	v.SetDefault("serial.reconnect_interval", "2s")
	v.SetDefault("serial.reconnect_max_interval", "30s")

	v.SetDefault("protocol.frame_delay", "8ms")
	v.SetDefault("protocol.poll_interval", "250ms")
	v.SetDefault("protocol.retry_delay", "100ms")
	v.SetDefault("protocol.ack_timeout", "5s")

	// JUTTA E6 (2019) 默认咖啡：研磨3.6秒，出水40秒（约200ml）
	v.SetDefault("brew.grind_time", "3600ms")
	v.SetDefault("brew.compress_time", "3600ms")
	v.SetDefault("brew.water_time", "40s")
	v.SetDefault("brew.compress_hold", "500ms")
	v.SetDefault("brew.pre_infusion_time", "2s")
	v.SetDefault("brew.pre_infusion_pause", "2s")
	v.SetDefault("brew.button_settle", "500ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "jutta.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.expire_hours", 24)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Serial.Backend {
	case "bugst", "tarm":
	default:
		return fmt.Errorf("serial.backend must be bugst or tarm, got %q", c.Serial.Backend)
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Protocol.PollInterval <= 0 || c.Protocol.RetryDelay < 0 || c.Protocol.FrameDelay < 0 {
		return fmt.Errorf("protocol timings must not be negative and poll_interval must be positive")
	}
	if c.Brew.GrindTime <= 0 || c.Brew.CompressTime <= 0 || c.Brew.WaterTime <= 0 {
		return fmt.Errorf("brew grind_time, compress_time and water_time must be positive")
	}
	if c.Security.AuthEnabled && (c.Security.APIKeyHash == "" || c.Security.JWTSecret == "") {
		return fmt.Errorf("security.auth_enabled requires api_key_hash and jwt_secret")
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("config reload failed: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("config reload rejected (%s): %v\n", e.Name, err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
}
