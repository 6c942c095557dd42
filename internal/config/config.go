package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"telemail/backend/internal/logger"
)

// SMTPConfig 定义收信 SMTP 服务器的配置
type SMTPConfig struct {
	BindAddr        string // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	MaxConnections  int    // 最大并发连接数，默认 50
	MaxRate         int    // 每秒最大新建连接数，默认 20
	MaxMessageBytes int64  // 单封邮件体积上限，默认 25 MiB
}

// TelegramConfig 定义 Telegram 机器人配置
type TelegramConfig struct {
	Token       string // Bot API 令牌，必填
	PollTimeout int    // 长轮询超时秒数，默认 10
}

// CloudflareConfig 定义 Cloudflare DNS 凭据与目标区域
type CloudflareConfig struct {
	Email     string // 账号邮箱，必填
	APIKey    string // Global API Key，必填
	ZoneID    string // 域名所在 Zone ID，必填
	AccountID string // 账号 ID
}

// AdminConfig 定义管理 HTTP 服务（健康检查与指标）的监听配置
type AdminConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// PoolConfig 定义投递任务池配置
type PoolConfig struct {
	Workers   int // 工作协程数，默认 8
	QueueSize int // 等待队列长度，默认 256
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Domain     string           // 邮箱域名，所有一次性地址都在它之下，必填
	ServerIP   string           // 本机公网 IPv4，留空时自动探测
	SMTP       SMTPConfig       // SMTP 服务配置
	Telegram   TelegramConfig   // Telegram 机器人配置
	Cloudflare CloudflareConfig // Cloudflare DNS 配置
	Admin      AdminConfig      // 管理 HTTP 服务配置
	Pool       PoolConfig       // 投递任务池配置
	Log        logger.Config    // 日志配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TELEMAIL_
// 例如: TELEMAIL_DOMAIN, TELEMAIL_TELEGRAM_TOKEN, TELEMAIL_CLOUDFLARE_API_KEY
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("telemail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("domain", "")
	v.SetDefault("server_ip", "")
	v.SetDefault("smtp.bind_addr", ":25")
	v.SetDefault("smtp.max_connections", 50)
	v.SetDefault("smtp.max_rate", 20)
	v.SetDefault("smtp.max_message_bytes", 25<<20)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.poll_timeout", 10)
	v.SetDefault("cloudflare.email", "")
	v.SetDefault("cloudflare.api_key", "")
	v.SetDefault("cloudflare.zone_id", "")
	v.SetDefault("cloudflare.account_id", "")
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 8080)
	v.SetDefault("pool.workers", 8)
	v.SetDefault("pool.queue_size", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.log_file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	cfg := &Config{
		Domain:   strings.ToLower(strings.TrimSpace(v.GetString("domain"))),
		ServerIP: strings.TrimSpace(v.GetString("server_ip")),
		SMTP: SMTPConfig{
			BindAddr:        v.GetString("smtp.bind_addr"),
			MaxConnections:  v.GetInt("smtp.max_connections"),
			MaxRate:         v.GetInt("smtp.max_rate"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
		},
		Telegram: TelegramConfig{
			Token:       v.GetString("telegram.token"),
			PollTimeout: v.GetInt("telegram.poll_timeout"),
		},
		Cloudflare: CloudflareConfig{
			Email:     v.GetString("cloudflare.email"),
			APIKey:    v.GetString("cloudflare.api_key"),
			ZoneID:    v.GetString("cloudflare.zone_id"),
			AccountID: v.GetString("cloudflare.account_id"),
		},
		Admin: AdminConfig{
			Host: v.GetString("admin.host"),
			Port: v.GetInt("admin.port"),
		},
		Pool: PoolConfig{
			Workers:   v.GetInt("pool.workers"),
			QueueSize: v.GetInt("pool.queue_size"),
		},
		Log: logger.Config{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			LogFile:     v.GetString("log.log_file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
			Compress:    v.GetBool("log.compress"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 校验必填项与取值范围。
func (c *Config) validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required: set TELEMAIL_DOMAIN")
	}
	if strings.Contains(c.Domain, "@") {
		return fmt.Errorf("domain %q must be a bare domain, not an address", c.Domain)
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required: set TELEMAIL_TELEGRAM_TOKEN")
	}
	if c.Cloudflare.Email == "" || c.Cloudflare.APIKey == "" || c.Cloudflare.ZoneID == "" {
		return fmt.Errorf("cloudflare credentials are required: set TELEMAIL_CLOUDFLARE_EMAIL, TELEMAIL_CLOUDFLARE_API_KEY and TELEMAIL_CLOUDFLARE_ZONE_ID")
	}
	if c.SMTP.MaxMessageBytes <= 0 {
		return fmt.Errorf("smtp.max_message_bytes must be positive")
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 10
	}
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = 8
	}
	if c.Pool.QueueSize <= 0 {
		c.Pool.QueueSize = 256
	}
	return nil
}

// loadEnvFile 尝试加载 .env 文件
//
// 先找当前目录的 .env，再找父目录的（从 backend/ 子目录运行时）。
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
