package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Notification  NotificationConfig  `mapstructure:"notification"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// IntegrationTTL bounds how long integration configs are cached.
	IntegrationTTL time.Duration `mapstructure:"integration_ttl"`
}

type MessageQueueConfig struct {
	URL           string        `mapstructure:"url" validate:"required"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	DeliveryLimit int64         `mapstructure:"delivery_limit"`
	RequeueDelay  time.Duration `mapstructure:"requeue_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

type ExecutionConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency" validate:"gt=0"`
	BarrierRetryDelay time.Duration `mapstructure:"barrier_retry_delay"`
}

type MonitoringConfig struct {
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	RetryRateThreshold float64       `mapstructure:"retry_rate_threshold"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	Window             time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second"`
	BurstSize         int  `mapstructure:"burst_size"`
}

type NotificationConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/flowkit")

	// Set defaults
	setDefaults()

	// Bind environment variables
	bindEnvVars()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "flowkit-engine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	// Server defaults
	viper.SetDefault("http.address", ":8080")

	// Database defaults
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.integration_ttl", "5m")

	// Message queue defaults
	viper.SetDefault("message_queue.prefetch_count", 50)
	viper.SetDefault("message_queue.delivery_limit", 10)
	viper.SetDefault("message_queue.requeue_delay", "5s")

	// Observability defaults
	viper.SetDefault("observability.otlp_endpoint", "localhost:4317")
	viper.SetDefault("observability.service_name", "flowkit-engine")
	viper.SetDefault("observability.environment", "development")

	// Execution defaults
	viper.SetDefault("execution.max_concurrency", 50)
	viper.SetDefault("execution.barrier_retry_delay", "1s")

	// Monitoring defaults
	viper.SetDefault("monitoring.error_rate_threshold", 0.25)
	viper.SetDefault("monitoring.retry_rate_threshold", 0.5)
	viper.SetDefault("monitoring.max_duration", "10m")
	viper.SetDefault("monitoring.window", "5m")

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.requests_per_second", 100)
	viper.SetDefault("rate_limit.burst_size", 200)

	// Notification defaults
	viper.SetDefault("notification.timeout", "10s")
}

func bindEnvVars() {
	// App
	viper.BindEnv("app.environment", "APP_ENV")

	// Servers
	viper.BindEnv("http.address", "HTTP_ADDR")

	// Database
	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	// Redis
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Message Queue
	viper.BindEnv("message_queue.url", "RABBITMQ_URL")
	viper.BindEnv("message_queue.prefetch_count", "MQ_PREFETCH_COUNT")
	viper.BindEnv("message_queue.delivery_limit", "MQ_DELIVERY_LIMIT")

	// Observability
	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	// Execution
	viper.BindEnv("execution.max_concurrency", "ENGINE_CONCURRENCY")

	// Notification
	viper.BindEnv("notification.webhook_url", "NOTIFY_WEBHOOK_URL")
}
