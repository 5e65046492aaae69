package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "NODETUNNEL_"

// Config 主配置结构
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Room         RoomConfig         `yaml:"room"`
	Security     SecurityConfig     `yaml:"security"`
	Logging      LoggingConfig      `yaml:"logging"`
	AuditLogging AuditLoggingConfig `yaml:"audit_logging"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Lobby        LobbyConfig        `yaml:"lobby"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host          string        `yaml:"host"`
	TCPPort       int           `yaml:"tcp_port"`
	UDPPort       int           `yaml:"udp_port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"` // 0 表示不设置
	IdleTimeout   time.Duration `yaml:"idle_timeout"` // 0 表示不设置
	NumLoops      int           `yaml:"num_loops"`
	UDPBufferSize int           `yaml:"udp_buffer_size"`
	SendQueueSize int           `yaml:"send_queue_size"`
	EndpointCache int           `yaml:"endpoint_cache"`
	EndpointTTL   time.Duration `yaml:"endpoint_ttl"`
}

// RoomConfig 房间配置
type RoomConfig struct {
	MigrationTimeout time.Duration `yaml:"migration_timeout"`
	EventBuffer      int           `yaml:"event_buffer"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	EnableEncryption       bool          `yaml:"enable_encryption"`
	EnableAuthentication   bool          `yaml:"enable_authentication"`
	EnableRateLimiting     bool          `yaml:"enable_rate_limiting"`
	EnforceTokens          bool          `yaml:"enforce_tokens"`
	MaxConnectionsPerIP    int           `yaml:"max_connections_per_ip"`
	MaxPacketsPerSecond    int           `yaml:"max_packets_per_second"`
	GlobalPacketsPerSecond int           `yaml:"global_packets_per_second"` // 0 表示关闭
	MaxPacketSize          int           `yaml:"max_packet_size"`
	BanDuration            time.Duration `yaml:"ban_duration"`
	TokenExpiration        time.Duration `yaml:"token_expiration"`
	TokenSweepInterval     time.Duration `yaml:"token_sweep_interval"`
	LimiterCleanupInterval time.Duration `yaml:"limiter_cleanup_interval"`
	LimiterEntryTTL        time.Duration `yaml:"limiter_entry_ttl"`
	MasterKey              string        `yaml:"master_key"` // base64，32 字节
	MasterKeyFile          string        `yaml:"master_key_file"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// AuditLoggingConfig 安全审计日志配置
type AuditLoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	Format     string `yaml:"format"` // json, csv
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MetricsPort     int    `yaml:"metrics_port"`
	HealthCheckPath string `yaml:"health_check_path"`
	MetricsPath     string `yaml:"metrics_path"`
	StatsPath       string `yaml:"stats_path"`
}

// LobbyConfig 大厅状态服务通知配置
type LobbyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{
		Security: SecurityConfig{
			EnableEncryption:     true,
			EnableAuthentication: true,
			EnableRateLimiting:   true,
		},
	}
	setDefaults(cfg)
	return cfg
}

// Load 加载配置：.env -> 配置文件 -> 环境变量覆盖
// 配置文件不存在时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	// .env 不覆盖已存在的环境变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 文件失败: %w", err)
	}

	config := Default()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 设置默认值
	setDefaults(config)

	if err := applyEnv(config); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	// 验证配置
	if err := validate(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.TCPPort == 0 {
		config.Server.TCPPort = 9998
	}
	if config.Server.UDPPort == 0 {
		config.Server.UDPPort = 9999
	}
	if config.Server.UDPBufferSize == 0 {
		config.Server.UDPBufferSize = 65536
	}
	if config.Server.SendQueueSize == 0 {
		config.Server.SendQueueSize = 256
	}
	if config.Server.EndpointCache == 0 {
		config.Server.EndpointCache = 65536
	}
	if config.Server.EndpointTTL == 0 {
		config.Server.EndpointTTL = 10 * time.Minute
	}

	if config.Room.MigrationTimeout == 0 {
		config.Room.MigrationTimeout = 15 * time.Second
	}
	if config.Room.EventBuffer == 0 {
		config.Room.EventBuffer = 64
	}

	if config.Security.MaxConnectionsPerIP == 0 {
		config.Security.MaxConnectionsPerIP = 10
	}
	if config.Security.MaxPacketsPerSecond == 0 {
		config.Security.MaxPacketsPerSecond = 20000
	}
	if config.Security.MaxPacketSize == 0 {
		config.Security.MaxPacketSize = 65536
	}
	if config.Security.BanDuration == 0 {
		config.Security.BanDuration = 30 * time.Minute
	}
	if config.Security.TokenExpiration == 0 {
		config.Security.TokenExpiration = 24 * time.Hour
	}
	if config.Security.TokenSweepInterval == 0 {
		config.Security.TokenSweepInterval = 5 * time.Minute
	}
	if config.Security.LimiterCleanupInterval == 0 {
		config.Security.LimiterCleanupInterval = time.Minute
	}
	if config.Security.LimiterEntryTTL == 0 {
		config.Security.LimiterEntryTTL = 5 * time.Minute
	}
	if config.Security.MasterKeyFile == "" {
		config.Security.MasterKeyFile = "master_key.txt"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	if config.AuditLogging.FilePath == "" {
		config.AuditLogging.FilePath = "logs/audit.log"
	}
	if config.AuditLogging.Format == "" {
		config.AuditLogging.Format = "json"
	}

	if config.Monitoring.MetricsPort == 0 {
		config.Monitoring.MetricsPort = 9090
	}
	if config.Monitoring.HealthCheckPath == "" {
		config.Monitoring.HealthCheckPath = "/healthz"
	}
	if config.Monitoring.MetricsPath == "" {
		config.Monitoring.MetricsPath = "/metrics"
	}
	if config.Monitoring.StatsPath == "" {
		config.Monitoring.StatsPath = "/stats"
	}

	if config.Lobby.Timeout == 0 {
		config.Lobby.Timeout = 5 * time.Second
	}
	if config.Lobby.RetryInterval == 0 {
		config.Lobby.RetryInterval = time.Second
	}
}

// applyEnv 用 NODETUNNEL_* 环境变量覆盖配置
func applyEnv(config *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("MASTER_KEY", &config.Security.MasterKey)
	str("HOST", &config.Server.Host)
	num("TCP_PORT", &config.Server.TCPPort)
	num("UDP_PORT", &config.Server.UDPPort)
	num("MAX_CONNECTIONS_PER_IP", &config.Security.MaxConnectionsPerIP)
	num("MAX_PACKETS_PER_SECOND", &config.Security.MaxPacketsPerSecond)
	num("MAX_PACKET_SIZE", &config.Security.MaxPacketSize)
	dur("BAN_DURATION", &config.Security.BanDuration)
	flag("ENABLE_ENCRYPTION", &config.Security.EnableEncryption)
	flag("ENABLE_AUTHENTICATION", &config.Security.EnableAuthentication)
	flag("ENABLE_RATE_LIMITING", &config.Security.EnableRateLimiting)
	flag("ENFORCE_TOKENS", &config.Security.EnforceTokens)
	str("LOG_LEVEL", &config.Logging.Level)

	return errors.Join(errs...)
}

// validate 验证配置
func validate(config *Config) error {
	if config.Server.TCPPort < 1 || config.Server.TCPPort > 65535 {
		return fmt.Errorf("无效的 TCP 端口号: %d", config.Server.TCPPort)
	}
	if config.Server.UDPPort < 1 || config.Server.UDPPort > 65535 {
		return fmt.Errorf("无效的 UDP 端口号: %d", config.Server.UDPPort)
	}
	if config.Server.SendQueueSize < 1 {
		return fmt.Errorf("发送队列长度必须大于 0")
	}
	if config.Server.EndpointCache < 1 {
		return fmt.Errorf("端点缓存容量必须大于 0")
	}

	if config.Room.MigrationTimeout <= 0 {
		return fmt.Errorf("迁移超时必须大于 0")
	}

	if config.Security.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("单 IP 最大连接数必须大于 0")
	}
	if config.Security.MaxPacketsPerSecond < 1 {
		return fmt.Errorf("单 IP 每秒最大包数必须大于 0")
	}
	if config.Security.GlobalPacketsPerSecond < 0 {
		return fmt.Errorf("全局每秒包数不能为负数")
	}
	if config.Security.MaxPacketSize < 4 {
		return fmt.Errorf("最大包大小必须不小于 4 字节")
	}
	if config.Server.UDPBufferSize < config.Security.MaxPacketSize {
		return fmt.Errorf("UDP 缓冲区 (%d) 小于最大包大小 (%d)", config.Server.UDPBufferSize, config.Security.MaxPacketSize)
	}
	if config.Security.BanDuration <= 0 {
		return fmt.Errorf("封禁时长必须大于 0")
	}
	if config.Security.TokenExpiration <= 0 {
		return fmt.Errorf("令牌有效期必须大于 0")
	}

	if config.Monitoring.Enabled && (config.Monitoring.MetricsPort < 1 || config.Monitoring.MetricsPort > 65535) {
		return fmt.Errorf("无效的监控端口号: %d", config.Monitoring.MetricsPort)
	}

	if config.Lobby.Enabled && !strings.HasPrefix(config.Lobby.URL, "http") {
		return fmt.Errorf("大厅通知地址无效: %q", config.Lobby.URL)
	}
	if config.Lobby.RetryCount < 0 {
		return fmt.Errorf("重试次数不能为负数")
	}

	return nil
}

// GetTCPAddress 获取控制面监听地址
func (c *Config) GetTCPAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.TCPPort)
}

// GetUDPAddress 获取数据面监听地址
func (c *Config) GetUDPAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.UDPPort)
}

// GetMetricsAddress 获取监控地址
func (c *Config) GetMetricsAddress() string {
	return fmt.Sprintf(":%d", c.Monitoring.MetricsPort)
}
