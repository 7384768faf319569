// Package config loads service configuration from YAML files and
// TRADEGUARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradeguard/internal/database"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/internal/lock"
	"github.com/Aidin1998/tradeguard/internal/processor/stripe"
)

// EnvPrefix prefixes every environment override, e.g. TRADEGUARD_DATABASE_DSN
const EnvPrefix = "TRADEGUARD"

// DefaultPaths are searched in order when Load is given no paths
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/tradeguard/config.yaml",
}

// Config is the full service configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    database.Config `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Processor   ProcessorConfig `mapstructure:"processor"`
	Directory   DirectoryConfig `mapstructure:"directory"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig configures the ops HTTP server
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig enables the distributed trade lock
type RedisConfig struct {
	Enabled  bool             `mapstructure:"enabled"`
	Addr     string           `mapstructure:"addr"`
	Password string           `mapstructure:"password"`
	DB       int              `mapstructure:"db"`
	PoolSize int              `mapstructure:"pool_size"`
	Lock     lock.RedisConfig `mapstructure:"lock"`
}

// KafkaConfig enables event delivery to Kafka
type KafkaConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	events.KafkaConfig `mapstructure:",squash"`
}

// ProcessorConfig selects the payment processor
type ProcessorConfig struct {
	Provider           string        `mapstructure:"provider"`
	SandboxAutoSucceed bool          `mapstructure:"sandbox_auto_succeed"`
	Stripe             stripe.Config `mapstructure:"stripe"`
}

// DirectoryConfig points at the middleman roster
type DirectoryConfig struct {
	RosterPath string `mapstructure:"roster_path"`
}

// SchedulerConfig sets the sweep intervals; zero disables a sweep
type SchedulerConfig struct {
	DeadlineInterval    time.Duration `mapstructure:"deadline_interval"`
	AssignmentInterval  time.Duration `mapstructure:"assignment_interval"`
	SupervisionInterval time.Duration `mapstructure:"supervision_interval"`
	RetryInterval       time.Duration `mapstructure:"retry_interval"`
}

// TracingConfig enables the stdout OpenTelemetry exporters
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Metrics bool `mapstructure:"metrics"`
}

// IsDevelopment reports whether the service runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Load merges defaults, every existing config file and the environment.
// Missing files are skipped; a malformed file is an error.
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if len(paths) == 0 {
		paths = DefaultPaths
	}
	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		logger.Info("Loaded configuration files", zap.Strings("files", loaded))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate rejects combinations the service cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Processor.Provider {
	case "sandbox":
	case "stripe":
		if c.Processor.Stripe.SecretKey == "" {
			return fmt.Errorf("processor.stripe.secret_key is required for the stripe provider")
		}
	default:
		return fmt.Errorf("processor.provider must be sandbox or stripe, got %q", c.Processor.Provider)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:tradeguard.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.log_sql", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.lock.prefix", "tradeguard:lock:")
	v.SetDefault("redis.lock.ttl", 30*time.Second)
	v.SetDefault("redis.lock.retry_delay", 50*time.Millisecond)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "tradeguard.events")
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.write_timeout", time.Second)
	v.SetDefault("kafka.required_acks", -1)

	v.SetDefault("processor.provider", "sandbox")
	v.SetDefault("processor.sandbox_auto_succeed", false)
	v.SetDefault("processor.stripe.secret_key", "")
	v.SetDefault("processor.stripe.webhook_secret", "")

	v.SetDefault("directory.roster_path", "./configs/middlemen.yaml")

	v.SetDefault("scheduler.deadline_interval", 30*time.Second)
	v.SetDefault("scheduler.assignment_interval", time.Minute)
	v.SetDefault("scheduler.supervision_interval", time.Minute)
	v.SetDefault("scheduler.retry_interval", 2*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.metrics", false)
}
