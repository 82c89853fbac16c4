package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/adapters/deliveryrunner"
	"github.com/target/mmk-jobqueue/internal/adapters/jobrunner"
	"github.com/target/mmk-jobqueue/internal/adapters/reaper"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/service/failurenotifier"
)

// JobRunnerConfig contains configuration for the job runner.
type JobRunnerConfig struct {
	Services ServiceContainer
	Config   config.JobRunnerConfig
	Logger   *slog.Logger
}

// RunJobRunner claims and executes jobs until ctx is canceled.
func RunJobRunner(ctx context.Context, cfg JobRunnerConfig) error {
	if cfg.Services.Jobs == nil || cfg.Services.Progress == nil || cfg.Services.Handlers == nil {
		return errors.New("job runner requires job, progress and handler services")
	}
	opts := jobrunner.RunnerOptions{
		Jobs:          cfg.Services.Jobs,
		Progress:      cfg.Services.Progress,
		Registry:      cfg.Services.Handlers,
		Logger:        cfg.Logger,
		Metrics:       cfg.Services.Observability.MetricsSink,
		Lease:         cfg.Config.Lease,
		Concurrency:   cfg.Config.Concurrency,
		PollInterval:  cfg.Config.PollInterval,
		ShutdownGrace: cfg.Config.ShutdownGrace,
		WorkerID:      cfg.Config.WorkerID,
		Types:         cfg.Config.Types,
	}
	if cfg.Services.Reaper != nil {
		opts.LeaseSweeper = cfg.Services.Reaper
	}
	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run job runner: %w", runErr)
	}
	return nil
}

// DeliveryRunnerConfig contains configuration for the webhook delivery runner.
type DeliveryRunnerConfig struct {
	Services ServiceContainer
	Config   config.DeliveryConfig
	Logger   *slog.Logger
}

// RunDeliveryRunner posts due webhook deliveries until ctx is canceled.
func RunDeliveryRunner(ctx context.Context, cfg DeliveryRunnerConfig) error {
	if cfg.Services.Deliveries == nil {
		return errors.New("delivery runner requires the delivery service")
	}
	runner, err := deliveryrunner.NewRunner(deliveryrunner.RunnerOptions{
		Deliveries:   cfg.Services.Deliveries,
		Logger:       cfg.Logger,
		Metrics:      cfg.Services.Observability.MetricsSink,
		Concurrency:  cfg.Config.Concurrency,
		PollInterval: cfg.Config.PollInterval,
		BatchSize:    cfg.Config.BatchSize,
		Lock:         cfg.Config.Lock,
		RateLimit:    cfg.Config.RateLimit,
		RateBurst:    cfg.Config.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("create delivery runner: %w", err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run delivery runner: %w", runErr)
	}
	return nil
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB       *sql.DB
	Logger   *slog.Logger
	Config   config.ReaperConfig
	Metrics  statsd.Sink
	Outcomes *service.DeliveryService
	Failures *failurenotifier.Service
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	opts := reaper.RunnerOptions{
		DB:       cfg.DB,
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Failures: cfg.Failures,
	}
	if cfg.Outcomes != nil {
		opts.Outcomes = cfg.Outcomes
	}
	runner, err := reaper.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
