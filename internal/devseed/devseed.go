// Package devseed loads a small fixture set into a development database: one
// webhook per dev tenant and a few fetch jobs that exercise the worker.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/data/cryptoutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/service"
)

// Tenant is the tenant id every seeded record belongs to.
const Tenant = "dev"

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB       *sql.DB
	jobs     *service.JobService
	webhooks *service.WebhookService
}

// NewServices constructs the seeding services on db. Secrets are stored with the
// noop encoding, matching a server started in dev mode without a key.
func NewServices(db *sql.DB, logger *slog.Logger) (Services, error) {
	jobRepo := data.NewJobRepo(db, data.RepoConfig{Logger: logger})
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:         jobRepo,
		DefaultLease: 30 * time.Second,
		Logger:       logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("job service: %w", err)
	}
	webhooks, err := service.NewWebhookService(service.WebhookServiceOptions{
		Repo:   data.NewWebhookRepo(db, data.WebhookRepoOptions{Encryptor: cryptoutil.NoopEncryptor{}, Logger: logger}),
		Logger: logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("webhook service: %w", err)
	}
	return Services{DB: db, jobs: jobs, webhooks: webhooks}, nil
}

// Options tunes the seed set.
type Options struct {
	// WebhookURL receives job outcomes. Empty skips webhook seeding.
	WebhookURL string
}

// Run seeds the fixtures. It is safe to re-run: the webhook is only created when
// the tenant has none, and job submissions dedupe on their idempotency key.
func Run(ctx context.Context, svcs Services, opts Options, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	failures := 0
	if opts.WebhookURL != "" {
		if err := seedWebhook(ctx, svcs.webhooks, opts.WebhookURL, logger); err != nil {
			logger.ErrorContext(ctx, "failed to seed webhook", "error", err)
			failures++
		}
	}
	failures += seedJobs(ctx, svcs.jobs, logger)
	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func seedWebhook(ctx context.Context, svc *service.WebhookService, target string, logger *slog.Logger) error {
	existing, err := svc.List(ctx, Tenant, 1, 0)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	if len(existing) > 0 {
		logger.InfoContext(ctx, "webhook already exists", "tenant_id", Tenant, "webhook_id", existing[0].ID)
		return nil
	}
	wh, err := svc.Create(ctx, &model.CreateWebhookRequest{
		TenantID:  Tenant,
		TargetURL: target,
		Secret:    "dev-webhook-secret-0123456789",
	})
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "created webhook", "tenant_id", Tenant, "webhook_id", wh.ID, "target_url", wh.TargetURL)
	return nil
}

func defaultJobs() []*model.EnqueueRequest {
	return []*model.EnqueueRequest{
		{
			TenantID:      Tenant,
			Type:          model.JobTypeFetch,
			Resource:      "https://example.com/",
			RecipeVersion: "v1",
		},
		{
			TenantID:      Tenant,
			Type:          model.JobTypeFetch,
			Resource:      "https://example.org/robots.txt",
			RecipeVersion: "v1",
			Options:       map[string]any{"method": "GET"},
		},
		{
			TenantID:      Tenant,
			Type:          model.JobTypeFetch,
			Resource:      "http://169.254.169.254/latest/meta-data/",
			RecipeVersion: "v1",
			CorrelationID: "blocked-by-ssrf-policy",
			MaxAttempts:   1,
		},
	}
}

func seedJobs(ctx context.Context, svc *service.JobService, logger *slog.Logger) int {
	failures := 0
	for _, req := range defaultJobs() {
		res, err := svc.Enqueue(ctx, req)
		if err != nil {
			logger.ErrorContext(ctx, "failed to enqueue job", "resource", req.Resource, "error", err)
			failures++
			continue
		}
		msg := "enqueued job"
		if res.Duplicate {
			msg = "job already enqueued"
		}
		logger.InfoContext(ctx, msg, "job_id", res.JobID, "resource", req.Resource, "status", res.Status)
	}
	return failures
}
