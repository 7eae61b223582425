package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Events    EventsConfig              `mapstructure:"events"`
	Dispatch  DispatchConfig            `mapstructure:"dispatch"`
	Reconcile ReconcileConfig           `mapstructure:"reconcile"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Log       LogConfig                 `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	WorkerID        int64         `mapstructure:"worker_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN          string `mapstructure:"dsn"`    // 非空时优先使用
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EventsConfig struct {
	Driver        string        `mapstructure:"driver"` // kafka | nats | none
	Brokers       []string      `mapstructure:"brokers"`
	NATSURL       string        `mapstructure:"nats_url"`
	Topic         string        `mapstructure:"topic"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
	// 投递失败后按 min(cap, base*2^(n-1)) 加最多 20% 抖动退避
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap"`
}

// DispatchConfig 派发引擎参数，通过构造函数显式传入
type DispatchConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffCap          time.Duration `mapstructure:"backoff_cap"`
	ProviderTimeout     time.Duration `mapstructure:"provider_timeout"`
	StaleLeaseThreshold time.Duration `mapstructure:"stale_lease_threshold"`
}

type ReconcileConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	InFlightTimeout   time.Duration `mapstructure:"in_flight_timeout"`
	ManualReviewAfter time.Duration `mapstructure:"manual_review_after"`
	BatchSize         int           `mapstructure:"batch_size"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
}

// ProviderConfig 单个渠道配置，key 为渠道名（stripe / alipay / wechatpay / sandbox）
type ProviderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StatusLookup  bool          `mapstructure:"status_lookup"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "gateway")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.log_sql", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("events.topic", "gateway.transactions")
	v.SetDefault("events.relay_interval", 500*time.Millisecond)
	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.max_retry_count", 10)
	v.SetDefault("events.retry_backoff_base", 2*time.Second)
	v.SetDefault("events.retry_backoff_cap", 10*time.Minute)

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff_base", 200*time.Millisecond)
	v.SetDefault("dispatch.backoff_cap", 5*time.Second)
	v.SetDefault("dispatch.provider_timeout", 10*time.Second)
	v.SetDefault("dispatch.stale_lease_threshold", 2*time.Minute)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.in_flight_timeout", time.Minute)
	v.SetDefault("reconcile.manual_review_after", 24*time.Hour)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.lock_ttl", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load 加载配置文件，环境变量 GATEWAY_* 覆盖文件中的同名配置
// 例如 GATEWAY_DISPATCH_MAX_ATTEMPTS=5
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

// Validate 校验配置，一次性返回全部错误
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 不合法: %d", c.Server.Port))
	}

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver 不支持: %q", c.Database.Driver))
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		errs = append(errs, errors.New("sqlite 需要配置 database.dsn"))
	}

	switch c.Events.Driver {
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("events.brokers 不能为空"))
		}
	case "nats":
		if c.Events.NATSURL == "" {
			errs = append(errs, errors.New("events.nats_url 不能为空"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("events.driver 不支持: %q", c.Events.Driver))
	}

	if c.Events.MaxRetryCount < 1 {
		errs = append(errs, errors.New("events.max_retry_count 至少为 1"))
	}
	if c.Events.RetryBackoffBase <= 0 || c.Events.RetryBackoffCap < c.Events.RetryBackoffBase {
		errs = append(errs, fmt.Errorf("events.retry_backoff_base (%v) / retry_backoff_cap (%v) 不合法",
			c.Events.RetryBackoffBase, c.Events.RetryBackoffCap))
	}

	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts 至少为 1"))
	}
	if c.Dispatch.BackoffBase <= 0 || c.Dispatch.BackoffCap < c.Dispatch.BackoffBase {
		errs = append(errs, fmt.Errorf("dispatch.backoff_base (%v) / backoff_cap (%v) 不合法",
			c.Dispatch.BackoffBase, c.Dispatch.BackoffCap))
	}
	if c.Dispatch.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.provider_timeout 必须大于 0"))
	}
	// 接管阈值小于渠道超时会导致正常调用中的交易被抢占
	if c.Dispatch.StaleLeaseThreshold <= c.Dispatch.ProviderTimeout {
		errs = append(errs, fmt.Errorf("dispatch.stale_lease_threshold (%v) 必须大于 provider_timeout (%v)",
			c.Dispatch.StaleLeaseThreshold, c.Dispatch.ProviderTimeout))
	}

	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval 必须大于 0"))
	}
	if c.Reconcile.InFlightTimeout <= c.Dispatch.ProviderTimeout {
		errs = append(errs, fmt.Errorf("reconcile.in_flight_timeout (%v) 必须大于 provider_timeout (%v)",
			c.Reconcile.InFlightTimeout, c.Dispatch.ProviderTimeout))
	}
	if c.Reconcile.BatchSize <= 0 {
		errs = append(errs, errors.New("reconcile.batch_size 必须大于 0"))
	}

	for name, p := range c.Providers {
		if !p.Enabled || name == "sandbox" {
			continue
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("providers.%s.base_url 不能为空", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(errs...))
	}
	return nil
}
