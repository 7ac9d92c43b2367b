package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueuesConfig    `mapstructure:"queue"`
	Runway    RunwayConfig    `mapstructure:"runway"`
	Instagram InstagramConfig `mapstructure:"instagram"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite 或 postgres
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig 用于跨进程的入队通知，Addr 为空时使用进程内通知
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueuesConfig 两个队列的配置
type QueuesConfig struct {
	Generation QueueConfig `mapstructure:"generation"`
	Publish    QueueConfig `mapstructure:"publish"`
}

// QueueConfig 单个队列及其工作池的配置
type QueueConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffStrategy string        `mapstructure:"backoff_strategy"` // exponential 或 fixed
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	Priority        int           `mapstructure:"priority"`
	PollInterval    time.Duration `mapstructure:"poll_interval"` // 空闲时的轮询间隔
	LeaseTimeout    time.Duration `mapstructure:"lease_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	KeepCompleted   int           `mapstructure:"keep_completed"`
	KeepFailed      int           `mapstructure:"keep_failed"`
}

// RunwayConfig 视频生成服务配置
type RunwayConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	APIVersion      string        `mapstructure:"api_version"`
	Model           string        `mapstructure:"model"`
	Duration        int           `mapstructure:"duration"` // 秒
	Timeout         time.Duration `mapstructure:"timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`
}

// InstagramConfig 发布平台配置
type InstagramConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`
	DefaultCaption  string        `mapstructure:"default_caption"`
	DefaultHashtags []string      `mapstructure:"default_hashtags"`
	SettingsCache   time.Duration `mapstructure:"settings_cache"`
}

// RetentionConfig 已结束任务的保留策略
type RetentionConfig struct {
	Schedule string        `mapstructure:"schedule"` // cron 表达式
	MaxAge   time.Duration `mapstructure:"max_age"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	cfg, err := Decode()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// Decode 将当前 viper 中的配置解码并校验
func Decode() (*Config, error) {
	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "reelflow")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/reelflow.db")

	// 生成队列：3 次尝试，2 秒指数退避
	viper.SetDefault("queue.generation.concurrency", 2)
	viper.SetDefault("queue.generation.max_attempts", 3)
	viper.SetDefault("queue.generation.backoff_strategy", "exponential")
	viper.SetDefault("queue.generation.backoff_base", 2*time.Second)
	viper.SetDefault("queue.generation.priority", 1)
	viper.SetDefault("queue.generation.poll_interval", time.Second)
	viper.SetDefault("queue.generation.lease_timeout", 2*time.Minute)
	viper.SetDefault("queue.generation.shutdown_timeout", 30*time.Second)
	viper.SetDefault("queue.generation.keep_completed", 100)
	viper.SetDefault("queue.generation.keep_failed", 50)

	// 发布队列：重复发布代价更高，只尝试 2 次，5 秒退避
	viper.SetDefault("queue.publish.concurrency", 1)
	viper.SetDefault("queue.publish.max_attempts", 2)
	viper.SetDefault("queue.publish.backoff_strategy", "exponential")
	viper.SetDefault("queue.publish.backoff_base", 5*time.Second)
	viper.SetDefault("queue.publish.priority", 2)
	viper.SetDefault("queue.publish.poll_interval", time.Second)
	viper.SetDefault("queue.publish.lease_timeout", 2*time.Minute)
	viper.SetDefault("queue.publish.shutdown_timeout", 30*time.Second)
	viper.SetDefault("queue.publish.keep_completed", 50)
	viper.SetDefault("queue.publish.keep_failed", 25)

	viper.SetDefault("runway.base_url", "https://api.dev.runwayml.com")
	viper.SetDefault("runway.api_version", "2024-11-06")
	viper.SetDefault("runway.model", "gen4_turbo")
	viper.SetDefault("runway.duration", 10)
	viper.SetDefault("runway.timeout", 30*time.Second)
	viper.SetDefault("runway.poll_interval", 5*time.Second)
	viper.SetDefault("runway.max_poll_attempts", 120)

	viper.SetDefault("instagram.base_url", "https://graph.facebook.com/v18.0")
	viper.SetDefault("instagram.timeout", 30*time.Second)
	viper.SetDefault("instagram.poll_timeout", 10*time.Second)
	viper.SetDefault("instagram.poll_interval", 5*time.Second)
	viper.SetDefault("instagram.max_poll_attempts", 20)
	viper.SetDefault("instagram.default_caption", "AI-generated reel!")
	viper.SetDefault("instagram.default_hashtags", []string{"#reels", "#viral", "#ai"})
	viper.SetDefault("instagram.settings_cache", 5*time.Minute)

	viper.SetDefault("retention.schedule", "@hourly")
	viper.SetDefault("retention.max_age", 24*time.Hour)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	for name, q := range map[string]QueueConfig{"generation": config.Queue.Generation, "publish": config.Queue.Publish} {
		if q.Concurrency <= 0 {
			return fmt.Errorf("队列 %s 的并发数必须大于 0", name)
		}
		if q.MaxAttempts <= 0 {
			return fmt.Errorf("队列 %s 的最大尝试次数必须大于 0", name)
		}
		if q.LeaseTimeout <= 0 {
			return fmt.Errorf("队列 %s 的租约超时必须大于 0", name)
		}
	}
	if config.Runway.MaxPollAttempts <= 0 || config.Instagram.MaxPollAttempts <= 0 {
		return fmt.Errorf("轮询次数必须大于 0")
	}
	return nil
}
