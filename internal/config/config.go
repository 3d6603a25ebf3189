// Package config provides configuration loading and management for jobqueue.
// It supports loading configuration from YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageMode represents the queue backend mode.
type StorageMode string

const (
	// StorageModeMemory keeps queues in process memory.
	StorageModeMemory StorageMode = "memory"
	// StorageModeRedis stores queues in Redis.
	StorageModeRedis StorageMode = "redis"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeRedis
}

// Config represents the complete application configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logger  LoggerConfig  `yaml:"logger"`
}

// StorageConfig holds the storage mode configuration.
type StorageConfig struct {
	Mode StorageMode `yaml:"mode"`
}

// UseMemory returns true if in-memory queues should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// UseRedis returns true if Redis backed queues should be used.
func (c *StorageConfig) UseRedis() bool {
	return c.Mode == StorageModeRedis
}

// QueueConfig holds settings shared by all queues.
type QueueConfig struct {
	// DefaultTimeout is the blocking wait used when callers pass no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxReleases is how often a worker releases a failing message before
	// aborting it. Zero aborts on the first failure.
	MaxReleases int `yaml:"max_releases"`

	// AllowFlush enables the flush endpoint of the HTTP API.
	AllowFlush bool `yaml:"allow_flush"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Timeout bounds connecting and reading. It must be longer than the
	// queue default timeout, otherwise blocking waits would look like
	// dead connections.
	Timeout time.Duration `yaml:"timeout"`

	PoolSize int `yaml:"pool_size"`
}

// KafkaConfig holds settings for the Kafka feeder.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`

	// Queue is the name of the queue records are submitted to.
	Queue string `yaml:"queue"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// DefaultMaxReleases is used when the file does not set queue.max_releases.
const DefaultMaxReleases = 3

// Validation errors.
var (
	ErrInvalidStorageMode = errors.New("storage.mode must be 'memory' or 'redis'")
	ErrRedisTimeoutTooLow = errors.New("redis.timeout must be greater than queue.default_timeout")
	ErrKafkaQueueMissing  = errors.New("kafka.queue is required when kafka is enabled")
)

// Load reads configuration from the specified YAML file path.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML data, applying environment
// overrides and defaults, then validates it.
func Parse(data []byte) (*Config, error) {
	// Fields whose zero value is meaningful are preset, so only keys
	// missing from the file keep the default.
	cfg := &Config{
		Queue: QueueConfig{MaxReleases: DefaultMaxReleases},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Apply defaults for any unset values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides Redis connection settings from the environment.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("JOBQUEUE_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("JOBQUEUE_REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JOBQUEUE_REDIS_PORT: %w", err)
		}
		cfg.Redis.Port = port
	}
	if v := os.Getenv("JOBQUEUE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JOBQUEUE_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JOBQUEUE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	return nil
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}

	// Queue defaults
	if cfg.Queue.DefaultTimeout == 0 {
		cfg.Queue.DefaultTimeout = 30 * time.Second
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Reserve and take requests block for up to the queue timeout.
		cfg.Server.WriteTimeout = cfg.Queue.DefaultTimeout + 10*time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "127.0.0.1"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.Timeout == 0 {
		cfg.Redis.Timeout = DefaultRedisTimeout(cfg.Queue.DefaultTimeout)
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "jobqueue-submissions"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "jobqueue-feeder"
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// DefaultRedisTimeout returns 1.5 times the blocking timeout, rounded to
// whole seconds.
func DefaultRedisTimeout(blocking time.Duration) time.Duration {
	secs := math.Round(blocking.Seconds() * 1.5)
	return time.Duration(secs) * time.Second
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.Storage.Mode.IsValid() {
		return ErrInvalidStorageMode
	}
	if c.Storage.UseRedis() && c.Redis.Timeout <= c.Queue.DefaultTimeout {
		return fmt.Errorf("%w (timeout %s, default_timeout %s)",
			ErrRedisTimeoutTooLow, c.Redis.Timeout, c.Queue.DefaultTimeout)
	}
	if c.Kafka.Enabled && c.Kafka.Queue == "" {
		return ErrKafkaQueueMissing
	}
	return nil
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
