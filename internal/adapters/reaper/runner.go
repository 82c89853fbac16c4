// Package reaper provides adapters for running the maintenance sweeps.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/service/failurenotifier"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the sweep loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Config   config.ReaperConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
	Outcomes service.OutcomeScheduler
	Failures *failurenotifier.Service

	// Optional dependency injection for testing/decoupling
	Leases     core.LeaseReaperRepository
	Deliveries core.DeliveryRetentionRepository
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Leases:     opts.Leases,
		Deliveries: opts.Deliveries,
		Outcomes:   opts.Outcomes,
		Failures:   opts.Failures,
		Config:     opts.Config,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Leases != nil && opts.Deliveries != nil {
		return nil
	}
	if opts.DB == nil {
		return errors.New("database connection is required")
	}
	if opts.Leases == nil {
		opts.Leases = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	if opts.Deliveries == nil {
		opts.Deliveries = data.NewWebhookDeliveryRepo(opts.DB, nil, opts.Logger)
	}
	return nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
