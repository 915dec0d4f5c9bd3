package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Login     LoginConfig     `mapstructure:"login"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SimulateEnable 使用模拟板卡代替真实串口（联调用）
	SimulateEnable bool   `mapstructure:"simulate_enable"`
	SimulatePath   string `mapstructure:"simulate_path"`
}

// SerialConfig 串口参数
type SerialConfig struct {
	DefaultPort string        `mapstructure:"default_port"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// OpenSettle 打开串口后等待启动横幅出现
	OpenSettle time.Duration `mapstructure:"open_settle"`
	// Charset 控制台字符集：utf-8（默认）、latin1、windows-1252、gbk、gb18030、big5
	Charset     string `mapstructure:"charset"`
	QueueSize   int    `mapstructure:"queue_size"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

// LoginConfig 登录状态机参数
type LoginConfig struct {
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// 提示符诱发：等待 login: 期间静默超过 InducerInterval 时发送空行，最多 InducerMaxCount 次（0 关闭）
	InducerInterval time.Duration `mapstructure:"inducer_interval"`
	InducerMaxCount int           `mapstructure:"inducer_max_count"`
}

// PacingConfig 写入后等待策略
type PacingConfig struct {
	// Mode fixed | quiescent
	Mode           string        `mapstructure:"mode"`
	QuietAfter     time.Duration `mapstructure:"quiet_after"`
	ScriptSettle   time.Duration `mapstructure:"script_settle"`
	PasswordSettle time.Duration `mapstructure:"password_settle"`
	RestartSettle  time.Duration `mapstructure:"restart_settle"`
	QuerySettle    time.Duration `mapstructure:"query_settle"`
}

// ProvisionConfig 配网脚本参数
type ProvisionConfig struct {
	Interface      string `mapstructure:"interface"`
	Mode           string `mapstructure:"mode"`
	InterfacesPath string `mapstructure:"interfaces_path"`
	AllowHotplug   bool   `mapstructure:"allow_hotplug"`
	// SudoPassword detect | always | never
	SudoPassword string `mapstructure:"sudo_password"`
	StrictIPv4   bool   `mapstructure:"strict_ipv4"`
}

// RemoteConfig SSH 交接参数
type RemoteConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Port      int           `mapstructure:"port"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Commands  []string      `mapstructure:"commands"`
	SudoStdin bool          `mapstructure:"sudo_stdin"`
	// CommandTimeout 单条远程命令上限（apt upgrade 可能很久）
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 会话记录归档配置
type StorageConfig struct {
	// Backend local | minio | none
	Backend string      `mapstructure:"backend"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
	Minio   MinioConfig `mapstructure:"minio"`
}

// LocalConfig 本地归档目录
type LocalConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var globalConfig *Config

// Load 加载配置文件；configPath 为空时按默认路径查找，找不到文件则仅使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	// .env 可选，存在时先注入环境变量
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.SetEnvPrefix("PYNQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !asNotFound(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config = replaceEnvVars(config)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	globalConfig = &config
	return &config, nil
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.simulate_enable", false)
	v.SetDefault("server.simulate_path", "simulate/simulate.yaml")

	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.read_timeout", 100*time.Millisecond)
	v.SetDefault("serial.open_settle", 2*time.Second)
	v.SetDefault("serial.charset", "utf-8")
	v.SetDefault("serial.queue_size", 1024)
	v.SetDefault("serial.max_sessions", 4)

	// PYNQ 镜像默认账户
	v.SetDefault("login.username", "xilinx")
	v.SetDefault("login.password", "xilinx")
	v.SetDefault("login.timeout", 20*time.Second)
	v.SetDefault("login.poll_interval", 500*time.Millisecond)
	v.SetDefault("login.inducer_interval", 3*time.Second)
	v.SetDefault("login.inducer_max_count", 0)

	v.SetDefault("pacing.mode", "fixed")
	v.SetDefault("pacing.quiet_after", 800*time.Millisecond)
	v.SetDefault("pacing.script_settle", 2*time.Second)
	v.SetDefault("pacing.password_settle", 2*time.Second)
	v.SetDefault("pacing.restart_settle", 5*time.Second)
	v.SetDefault("pacing.query_settle", 3*time.Second)

	v.SetDefault("provision.interface", "eth0")
	v.SetDefault("provision.mode", "dhcp")
	v.SetDefault("provision.interfaces_path", "/etc/network/interfaces")
	v.SetDefault("provision.allow_hotplug", false)
	v.SetDefault("provision.sudo_password", "detect")
	v.SetDefault("provision.strict_ipv4", true)

	v.SetDefault("remote.enabled", true)
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.commands", []string{"sudo apt update -y", "sudo apt upgrade -y"})
	v.SetDefault("remote.sudo_stdin", true)
	v.SetDefault("remote.command_timeout", 30*time.Minute)

	v.SetDefault("database.sqlite.path", "./data/pynq.db")
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "transcripts")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.local.mkdir_if_missing", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/pynq.log")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// Default 返回仅含默认值的配置（CLI 无配置文件或测试时使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// replaceEnvVars 替换 ${VAR} 形式的凭据占位符
func replaceEnvVars(config Config) Config {
	config.Login.Password = expandEnv(config.Login.Password)
	config.Storage.Minio.AccessKey = expandEnv(config.Storage.Minio.AccessKey)
	config.Storage.Minio.SecretKey = expandEnv(config.Storage.Minio.SecretKey)
	return config
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
	}
	return s
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Pacing.Mode)) {
	case "", "fixed", "quiescent":
	default:
		return fmt.Errorf("pacing.mode must be fixed or quiescent, got %q", c.Pacing.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(c.Provision.SudoPassword)) {
	case "", "detect", "always", "never":
	default:
		return fmt.Errorf("provision.sudo_password must be detect, always or never, got %q", c.Provision.SudoPassword)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "", "local", "minio", "none":
	default:
		return fmt.Errorf("storage.backend must be local, minio or none, got %q", c.Storage.Backend)
	}
	if c.Serial.MaxSessions < 0 {
		return fmt.Errorf("serial.max_sessions cannot be negative")
	}
	return nil
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LoginTimeout 登录总预算，未配置时 20s
func (c *Config) LoginTimeout() time.Duration {
	if c.Login.Timeout > 0 {
		return c.Login.Timeout
	}
	return 20 * time.Second
}

// SettleDelays 各步骤等待时长，未配置的步骤回退到默认值
type SettleDelays struct {
	Script   time.Duration
	Password time.Duration
	Restart  time.Duration
	Query    time.Duration
}

// SettleDelays 返回配网各步骤的等待时长
func (c *Config) SettleDelays() SettleDelays {
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	return SettleDelays{
		Script:   pick(c.Pacing.ScriptSettle, 2*time.Second),
		Password: pick(c.Pacing.PasswordSettle, 2*time.Second),
		Restart:  pick(c.Pacing.RestartSettle, 5*time.Second),
		Query:    pick(c.Pacing.QuerySettle, 3*time.Second),
	}
}
