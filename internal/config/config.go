package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port       int  `mapstructure:"port"`
	Production bool `mapstructure:"production"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	NotifyUser  string `mapstructure:"notify_user"`
	NotifyAdmin string `mapstructure:"notify_admin"`
}

// GatewayConfig wata.pro 支付网关
type GatewayConfig struct {
	APIToken       string `mapstructure:"api_token"`
	Sandbox        bool   `mapstructure:"sandbox"`
	BaseURL        string `mapstructure:"base_url"` // 为空时按 sandbox 选择
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ReturnBaseURL  string `mapstructure:"return_base_url"` // 支付完成后的跳转域名
	// 非生产环境允许跳过回调签名校验，每次跳过都会打 [SECURITY] 日志
	AllowUnsignedWebhooks bool `mapstructure:"allow_unsigned_webhooks"`
}

type TelegramConfig struct {
	BotToken              string  `mapstructure:"bot_token"`
	AdminIDs              []int64 `mapstructure:"admin_ids"`
	AdminToken            string  `mapstructure:"admin_token"`
	InitDataMaxAgeSeconds int     `mapstructure:"init_data_max_age_seconds"`
}

type BusinessConfig struct {
	EnablePaymentChecker   bool `mapstructure:"enable_payment_checker"`
	SweepIntervalSeconds   int  `mapstructure:"sweep_interval_seconds"`
	SweepBatchSize         int  `mapstructure:"sweep_batch_size"`
	SweepConcurrency       int  `mapstructure:"sweep_concurrency"`
	BalanceCacheTTLSeconds int  `mapstructure:"balance_cache_ttl_seconds"`
	ProductCacheTTLSeconds int  `mapstructure:"product_cache_ttl_seconds"`
	MaxRetryCount          int  `mapstructure:"max_retry_count"`   // outbox 最大投递次数
	StoreRetryAttempts     int  `mapstructure:"store_retry_attempts"` // 数据库锁冲突重试次数
	RateLimitPerMinute     int  `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst         int  `mapstructure:"rate_limit_burst"`
	RateLimitBlockSeconds  int  `mapstructure:"rate_limit_block_seconds"`
}

func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (t TelegramConfig) IsAdmin(userID int64) bool {
	for _, id := range t.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

var GlobalConfig *Config

// 旧版部署使用的环境变量名
var legacyEnv = map[string]string{
	"telegram.bot_token":                 "BOT_TOKEN",
	"telegram.admin_ids":                 "ADMIN_IDS",
	"gateway.api_token":                  "WATA_API_TOKEN",
	"gateway.sandbox":                    "WATA_SANDBOX",
	"gateway.return_base_url":            "WEBHOOK_BASE_URL",
	"business.enable_payment_checker":    "ENABLE_PAYMENT_CHECKER",
	"server.production":                  "IS_PRODUCTION",
	"business.product_cache_ttl_seconds": "PRODUCTS_CACHE_TTL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("kafka.topic.notify_user", "storefront.notify.user")
	v.SetDefault("kafka.topic.notify_admin", "storefront.notify.admin")
	v.SetDefault("gateway.timeout_seconds", 30)
	v.SetDefault("gateway.return_base_url", "https://supercellshop.xyz")
	v.SetDefault("telegram.init_data_max_age_seconds", 86400)
	v.SetDefault("business.enable_payment_checker", true)
	v.SetDefault("business.sweep_interval_seconds", 60)
	v.SetDefault("business.sweep_batch_size", 100)
	v.SetDefault("business.sweep_concurrency", 4)
	v.SetDefault("business.balance_cache_ttl_seconds", 60)
	v.SetDefault("business.product_cache_ttl_seconds", 300)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.store_retry_attempts", 5)
	v.SetDefault("business.rate_limit_per_minute", 120)
	v.SetDefault("business.rate_limit_burst", 20)
	v.SetDefault("business.rate_limit_block_seconds", 300)
}

// Load 读取配置文件并叠加环境变量。configPath 为空时只用默认值和环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 生产环境禁止跳过签名校验
func (c *Config) Validate() error {
	if c.Server.Production && c.Gateway.AllowUnsignedWebhooks {
		return errors.New("生产环境不允许开启 allow_unsigned_webhooks")
	}
	if c.Business.SweepIntervalSeconds <= 0 {
		return errors.New("sweep_interval_seconds 必须大于 0")
	}
	return nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	GlobalConfig = cfg
	return cfg
}
