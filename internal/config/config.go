package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Database drivers understood by the durable store
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	PostgresDB   PoolConfig         `mapstructure:"postgresDB"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	CriticalPath CriticalPathConfig `mapstructure:"critical_path"`
	Turn         TurnConfig         `mapstructure:"turn"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SSLMode    string `mapstructure:"ssl_mode"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DSN returns the connection string understood by the configured driver
func (c DatabaseConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return c.SQLitePath
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// MigrateURL returns the database URL golang-migrate expects
func (c DatabaseConfig) MigrateURL() string {
	if c.Driver == DriverSQLite {
		return "sqlite://" + c.SQLitePath
	}
	return c.DSN()
}

// PoolConfig bounds the durable-store connections. Durations in seconds
// mirror the upstream configuration surface.
type PoolConfig struct {
	PoolSize     int `mapstructure:"pool_size" validate:"gte=1"`
	MaxOverflow  int `mapstructure:"max_overflow" validate:"gte=0"`
	PoolRecycle  int `mapstructure:"pool_recycle" validate:"gte=0"`
	PoolTimeout  int `mapstructure:"pool_timeout" validate:"gte=1"`
	QueryTimeout int `mapstructure:"query_timeout" validate:"gte=1"`
}

func (c PoolConfig) RecycleDuration() time.Duration {
	return time.Duration(c.PoolRecycle) * time.Second
}

func (c PoolConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.PoolTimeout) * time.Second
}

func (c PoolConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(c.QueryTimeout) * time.Second
}

type RedisConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	TimeToLive      int    `mapstructure:"time_to_live" validate:"gte=0"`
	MaxConnections  int    `mapstructure:"max_connections" validate:"gte=1"`
	PollingInterval int    `mapstructure:"polling_interval" validate:"gte=1"`

	// RateLimitPerMinute throttles ingest per client address. Zero disables it.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" validate:"gte=0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TimeToLive) * time.Second
}

func (c RedisConfig) PollingDuration() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// CacheConfig drives the in-process session cache and its sweeper
type CacheConfig struct {
	Capacity         int `mapstructure:"capacity" validate:"gte=1"`
	ExpiryTime       int `mapstructure:"expiry_time" validate:"gte=1"`
	CleanupInterval  int `mapstructure:"cleanup_interval" validate:"gte=1"`
	EvictRetries     int `mapstructure:"evict_retries" validate:"gte=1"`
	SweepParallelism int `mapstructure:"sweep_parallelism" validate:"gte=1"`
}

func (c CacheConfig) ExpiryDuration() time.Duration {
	return time.Duration(c.ExpiryTime) * time.Second
}

func (c CacheConfig) CleanupDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// TelemetryConfig drives the best-effort writer behind the telemetry logs
type TelemetryConfig struct {
	QueueSize      int           `mapstructure:"queue_size" validate:"gte=1"`
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelayMs    int           `mapstructure:"base_delay_ms" validate:"gte=1"`
	MaxDelayMs     int           `mapstructure:"max_delay_ms" validate:"gte=1"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	TracingEnabled bool          `mapstructure:"tracing_enabled"`
}

func (c TelemetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c TelemetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

type CriticalPathConfig struct {
	Retries int `mapstructure:"retries" validate:"gte=0,lte=10"`
}

type TurnConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
}

type LoggingConfig struct {
	Level      string        `mapstructure:"level"`
	Format     string        `mapstructure:"format" validate:"oneof=json console"`
	File       string        `mapstructure:"file"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	RotateTime time.Duration `mapstructure:"rotate_time"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from the given yaml file, falling back to
// defaults and environment variables when the file does not exist.
func LoadFile(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")

	// Database
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "telemetry")
	v.SetDefault("database.name", "telemetry")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.sqlite_path", "./data/telemetry.db")

	// Connection pool
	v.SetDefault("postgresDB.pool_size", 10)
	v.SetDefault("postgresDB.max_overflow", 20)
	v.SetDefault("postgresDB.pool_recycle", 1800)
	v.SetDefault("postgresDB.pool_timeout", 30)
	v.SetDefault("postgresDB.query_timeout", 5)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.time_to_live", 3600)
	v.SetDefault("redis.max_connections", 10)
	v.SetDefault("redis.polling_interval", 5)
	v.SetDefault("redis.rate_limit_per_minute", 0)

	// Session cache
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.expiry_time", 3600)
	v.SetDefault("cache.cleanup_interval", 60)
	v.SetDefault("cache.evict_retries", 3)
	v.SetDefault("cache.sweep_parallelism", 4)

	// Telemetry writer
	v.SetDefault("telemetry.queue_size", 1024)
	v.SetDefault("telemetry.workers", 2)
	v.SetDefault("telemetry.max_attempts", 5)
	v.SetDefault("telemetry.base_delay_ms", 100)
	v.SetDefault("telemetry.max_delay_ms", 5000)
	v.SetDefault("telemetry.write_timeout", "5s")
	v.SetDefault("telemetry.tracing_enabled", false)

	// Critical path
	v.SetDefault("critical_path.retries", 2)
	v.SetDefault("turn.deadline", "10s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_age", "168h")
	v.SetDefault("logging.rotate_time", "24h")
}

func bindEnvVars(v *viper.Viper) {
	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "POSTGRES_HOST")
	v.BindEnv("database.password", "POSTGRES_PASSWORD")
	v.BindEnv("database.sqlite_path", "SQLITE_PATH")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
}
