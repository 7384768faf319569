package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradeguard/internal/config"
	"github.com/Aidin1998/tradeguard/internal/coordination"
	"github.com/Aidin1998/tradeguard/internal/database"
	"github.com/Aidin1998/tradeguard/internal/dispatch"
	"github.com/Aidin1998/tradeguard/internal/escrow"
	"github.com/Aidin1998/tradeguard/internal/events"
	"github.com/Aidin1998/tradeguard/internal/lifecycle"
	"github.com/Aidin1998/tradeguard/internal/lock"
	"github.com/Aidin1998/tradeguard/internal/processor/sandbox"
	"github.com/Aidin1998/tradeguard/internal/processor/stripe"
	"github.com/Aidin1998/tradeguard/internal/scheduler"
	"github.com/Aidin1998/tradeguard/internal/server"
	"github.com/Aidin1998/tradeguard/internal/telemetry"
	"github.com/Aidin1998/tradeguard/pkg/logger"
)

const poolStatsInterval = 30 * time.Second

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	bootLogger, err := logger.NewLogger("info", false)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Tracing: cfg.Tracing.Enabled,
		Metrics: cfg.Tracing.Metrics,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	checks := map[string]server.HealthCheck{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
	}

	// Trade lock
	var locker lock.Locker = lock.NewKeyedMutex()
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		locker = lock.NewRedisLocker(redisClient, zapLogger, cfg.Redis.Lock)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		zapLogger.Info("Using Redis trade lock", zap.String("addr", cfg.Redis.Addr))
	}

	// Event sinks
	sinks := []events.Sink{events.NewLogSink(zapLogger)}
	var kafkaSink *events.KafkaSink
	if cfg.Kafka.Enabled {
		kafkaSink = events.NewKafkaSink(cfg.Kafka.KafkaConfig, zapLogger)
		sinks = append(sinks, kafkaSink)
		zapLogger.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	sink := events.NewMulti(zapLogger, sinks...)

	// Payment processor
	var processor escrow.Processor
	webhooks := map[string]http.Handler{}
	switch cfg.Processor.Provider {
	case "stripe":
		processor = stripe.NewProcessor(cfg.Processor.Stripe, zapLogger)
	default:
		sb := sandbox.New()
		sb.AutoSucceed = cfg.Processor.SandboxAutoSucceed
		processor = sb
		zapLogger.Warn("Using sandbox payment processor", zap.Bool("auto_succeed", sb.AutoSucceed))
	}

	// Middleman roster
	directory := dispatch.NewGormDirectory(db)
	if err := syncRoster(ctx, directory, cfg.Directory.RosterPath, zapLogger); err != nil {
		zapLogger.Fatal("Failed to load middleman roster", zap.Error(err))
	}

	trades := lifecycle.NewManager(db, sink, zapLogger)
	ledger := escrow.NewLedger(db, processor, sink, zapLogger)
	dispatcher := dispatch.NewDispatcher(db, directory, sink, zapLogger)
	svc := coordination.NewService(trades, ledger, dispatcher, locker, sink, zapLogger)

	if cfg.Processor.Provider == "stripe" {
		webhooks["stripe"] = stripe.WebhookHandler(cfg.Processor.Stripe.WebhookSecret, zapLogger,
			func(ctx context.Context, ref string, report escrow.HoldReport) error {
				_, err := svc.ConfirmPaymentCallback(ctx, ref, report)
				return err
			})
	}

	jobs := scheduler.Jobs(svc, cfg.Scheduler, zapLogger)
	jobs = append(jobs, poolStatsJob(db, cfg.Database.Driver))
	sched := scheduler.New(jobs, zapLogger)
	sched.Start(ctx)

	srv := server.NewServer(zapLogger, checks, webhooks)
	go func() {
		if err := srv.Start(cfg.Server.Addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout); err != nil {
			zapLogger.Error("Ops server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop ops server", zap.Error(err))
	}
	sched.Stop()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			zapLogger.Error("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zapLogger.Error("Failed to close Redis client", zap.Error(err))
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush telemetry", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	zapLogger.Info("Server exited properly")
}

// syncRoster loads the YAML roster into the middlemen table. A missing file
// keeps whatever roster the database already has.
func syncRoster(ctx context.Context, directory *dispatch.GormDirectory, path string, log *zap.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn("Middleman roster file not found", zap.String("path", path))
		return nil
	}
	roster, err := dispatch.LoadRoster(path)
	if err != nil {
		return err
	}
	if err := directory.Sync(ctx, roster); err != nil {
		return err
	}
	log.Info("Middleman roster synced", zap.String("path", path), zap.Int("middlemen", len(roster)))
	return nil
}

func poolStatsJob(db *gorm.DB, driver string) scheduler.Job {
	return scheduler.Job{
		Name:     "db_pool",
		Interval: poolStatsInterval,
		Run: func(context.Context) error {
			return database.ReportPoolStats(db, driver)
		},
	}
}
