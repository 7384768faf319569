package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(zap.NewNop(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "sandbox", cfg.Processor.Provider)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DeadlineInterval)
	assert.Equal(t, "tradeguard:lock:", cfg.Redis.Lock.Prefix)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "tradeguard.events", cfg.Kafka.Topic)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
log_level: warn
database:
  driver: postgres
  dsn: postgres://trade:guard@db:5432/tradeguard
scheduler:
  deadline_interval: 5s
kafka:
  enabled: true
  brokers: [kafka-1:9092, kafka-2:9092]
  topic: trades
`), 0o600))

	t.Setenv("TRADEGUARD_LOG_LEVEL", "debug")
	t.Setenv("TRADEGUARD_REDIS_ENABLED", "true")
	t.Setenv("TRADEGUARD_REDIS_ADDR", "redis:6379")
	t.Setenv("TRADEGUARD_SERVER_ADDR", ":9090")

	cfg, err := Load(zap.NewNop(), path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.DeadlineInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.AssignmentInterval)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "trades", cfg.Kafka.Topic)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(zap.NewNop(), path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(zap.NewNop(), filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Processor.Provider = "stripe"
	assert.Error(t, cfg.Validate())
	cfg.Processor.Stripe.SecretKey = "sk_test_123"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""
	assert.Error(t, cfg.Validate())
}

func TestEnvironmentSelectsStripe(t *testing.T) {
	t.Setenv("TRADEGUARD_PROCESSOR_PROVIDER", "stripe")
	t.Setenv("TRADEGUARD_PROCESSOR_STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("TRADEGUARD_PROCESSOR_STRIPE_WEBHOOK_SECRET", "whsec_abc")

	cfg, err := Load(zap.NewNop(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.Processor.Provider)
	assert.Equal(t, "sk_test_abc", cfg.Processor.Stripe.SecretKey)
	assert.Equal(t, "whsec_abc", cfg.Processor.Stripe.WebhookSecret)
}
