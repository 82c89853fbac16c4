// Command jobqueue runs the HTTP API, the job and delivery workers and the
// reaper. SERVICES selects which of them this process hosts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/bootstrap"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1) //nolint:forbidigo // fatal startup error
	}
	logger := bootstrap.InitLogger(cfg.Observability.Log)
	if err := run(context.Background(), logger, &cfg); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // fatal runtime error
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) error {
	logger.InfoContext(ctx, "starting jobqueue service",
		"db_host", cfg.Postgres.Host,
		"db_name", cfg.Postgres.Name,
		"redis_enabled", cfg.Redis.Enabled,
		"enabled_services", bootstrap.GetEnabledServices(cfg),
	)
	if err := bootstrap.ValidateServiceConfig(cfg); err != nil {
		return err
	}

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeLogged(ctx, logger, "database", db.Close)

	redisClient := connectOptionalRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer closeLogged(ctx, logger, "redis", redisClient.Close)
	}

	if cfg.RunMigrations {
		if err := bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup")
	}

	encryptor, err := bootstrap.CreateEncryptor(cfg.WebhookSecretKey, cfg.IsDev, logger)
	if err != nil {
		return err
	}

	services, err := bootstrap.NewServices(bootstrap.ServiceDeps{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		Encryptor:   encryptor,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer services.Observability.Close()

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:      cfg,
		Services:    services,
		DB:          db,
		RedisClient: redisClient,
		Logger:      logger,
	})
}

// connectOptionalRedis returns nil when Redis is disabled or unreachable.
// Enqueue then deduplicates through the database unique index alone.
//
//nolint:ireturn // the client type follows the configured topology.
func connectOptionalRedis(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) redis.UniversalClient {
	if !cfg.Redis.Enabled {
		return nil
	}
	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cfg.Redis, Logger: logger})
	if err != nil {
		logger.WarnContext(ctx, "redis unavailable, idempotency cache disabled", "error", err)
		return nil
	}
	return client
}

func closeLogged(ctx context.Context, logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.ErrorContext(ctx, "close "+name+" failed", "error", err)
	}
}
