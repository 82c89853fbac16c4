package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-jobqueue/internal/core"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/idempotency"
	"github.com/target/mmk-jobqueue/internal/service/failurenotifier"
)

// OutcomeScheduler is told about every job that reached a terminal status.
// DeliveryService implements it to fan the outcome out to webhooks.
type OutcomeScheduler interface {
	ScheduleForJob(ctx context.Context, job *model.Job) error
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: submission and query side of the store
	Leases          core.JobLeaseRepository   // Optional: worker side, required by the claim/transition methods
	Cache           core.IdempotencyCache     // Optional: fast-path dedupe in front of the unique index
	Outcomes        OutcomeScheduler          // Optional: webhook fan-out for terminal jobs
	FailureNotifier *failurenotifier.Service  // Optional: operator alerts for failed jobs
	DefaultLease    time.Duration             // Required unless LeasePolicy is set
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
	Logger          *slog.Logger              // Optional: structured logger
}

// JobService is the submission and query boundary of the queue and the
// worker-facing facade over the lease guarded store operations.
type JobService struct {
	repo        core.JobRepository
	leases      core.JobLeaseRepository
	cache       core.IdempotencyCache
	outcomes    OutcomeScheduler
	failures    *failurenotifier.Service
	leasePolicy *domainjob.LeasePolicy
	notifier    domainjob.Notifier
	logger      *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil && opts.Leases != nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Leases
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_service")
	logger.Debug("JobService initialized",
		"default_lease", leasePolicy.Default(),
		"idempotency_cache", opts.Cache != nil,
		"worker_side", opts.Leases != nil,
	)

	return &JobService{
		repo:        opts.Repo,
		leases:      opts.Leases,
		cache:       opts.Cache,
		outcomes:    opts.Outcomes,
		failures:    opts.FailureNotifier,
		leasePolicy: leasePolicy,
		notifier:    notifier,
		logger:      logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// SetOutcomeScheduler wires the webhook fan-out after construction. DeliveryService
// and JobService reference each other, so one side is attached late.
func (s *JobService) SetOutcomeScheduler(o OutcomeScheduler) {
	s.outcomes = o
}

// Enqueue submits a job. Submissions with the same idempotency key for the same
// tenant return the existing job with Duplicate set instead of creating a second one.
func (s *JobService) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.EnqueueResult, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}

	key, err := idempotency.Key(idempotency.Request{
		TenantID:      req.TenantID,
		Resource:      req.Resource,
		Options:       req.Options,
		RecipeVersion: req.RecipeVersion,
	})
	if err != nil {
		return nil, validationError(fmt.Errorf("idempotency key: %w", err))
	}

	if res := s.cachedDuplicate(ctx, req.TenantID, key); res != nil {
		return res, nil
	}

	payload, err := buildJobPayload(req)
	if err != nil {
		return nil, validationError(err)
	}

	res, err := s.repo.Enqueue(ctx, core.EnqueueJobParams{
		TenantID:       req.TenantID,
		CorrelationID:  req.CorrelationID,
		Type:           req.Type,
		IdempotencyKey: key,
		MaxAttempts:    req.MaxAttempts,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", toAppError(err))
	}

	s.remember(ctx, req.TenantID, key, res.JobID)
	s.logger.DebugContext(ctx, "job submitted",
		"job_id", res.JobID,
		"tenant_id", req.TenantID,
		"type", req.Type,
		"duplicate", res.Duplicate,
	)
	return res, nil
}

// cachedDuplicate consults the idempotency cache. A hit is confirmed against the
// store so a stale entry can never hide a submission.
func (s *JobService) cachedDuplicate(ctx context.Context, tenantID, key string) *model.EnqueueResult {
	if s.cache == nil {
		return nil
	}
	jobID, found, err := s.cache.Lookup(ctx, tenantID, key)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency cache lookup failed", "error", err)
		return nil
	}
	if !found {
		return nil
	}

	job, err := s.repo.GetByID(ctx, jobID)
	if err == nil && job.TenantID == tenantID && job.IdempotencyKey == key {
		return &model.EnqueueResult{JobID: job.ID, Status: job.Status, Duplicate: true}
	}
	if forgetErr := s.cache.Forget(ctx, tenantID, key); forgetErr != nil {
		s.logger.WarnContext(ctx, "idempotency cache forget failed", "error", forgetErr)
	}
	return nil
}

func (s *JobService) remember(ctx context.Context, tenantID, key, jobID string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Remember(ctx, tenantID, key, jobID); err != nil {
		s.logger.WarnContext(ctx, "idempotency cache write failed", "error", err)
	}
}

// buildJobPayload returns the caller's payload, or the handler input derived from
// the submission's identity fields.
func buildJobPayload(req *model.EnqueueRequest) (json.RawMessage, error) {
	if len(req.Payload) > 0 {
		return req.Payload, nil
	}
	body := map[string]any{
		"resource":       req.Resource,
		"recipe_version": req.RecipeVersion,
	}
	if len(req.Options) > 0 {
		body["options"] = req.Options
	}
	if req.Type == model.JobTypeFetch {
		body["url"] = req.Resource
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// Get returns a job. A non-empty tenantID must own the job.
func (s *JobService) Get(ctx context.Context, id, tenantID string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, toAppError(err))
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, apperrors.NotFound("Job not found.")
	}
	return job, nil
}

// List returns jobs matching opts, newest first.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid status %q", *opts.Status))
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, apperrors.Validation("limit and offset must not be negative")
	}
	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", toAppError(err))
	}
	return jobs, nil
}

// Stats returns per-status counts, for one tenant or all of them.
func (s *JobService) Stats(ctx context.Context, tenantID string) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", toAppError(err))
	}
	return stats, nil
}

// Cancel requests cancellation. Queued jobs are canceled at once and their
// outcome is scheduled for delivery; running jobs are flagged for their worker.
func (s *JobService) Cancel(ctx context.Context, id, tenantID string) (*model.Job, error) {
	if tenantID == "" {
		return nil, apperrors.ValidationField("tenant_id", "tenant_id is required")
	}
	job, err := s.repo.RequestCancel(ctx, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", id, toAppError(err))
	}

	s.logger.InfoContext(ctx, "job cancel requested",
		"job_id", job.ID,
		"tenant_id", tenantID,
		"status", job.Status,
	)
	if job.Status == model.JobStatusCanceled {
		s.scheduleOutcome(ctx, job)
	}
	return job, nil
}

// scheduleOutcome hands a terminal job to the webhook fan-out. The transition is
// already committed, so a failure here is logged rather than returned.
func (s *JobService) scheduleOutcome(ctx context.Context, job *model.Job) {
	if s.outcomes == nil || job == nil || !job.Status.Terminal() {
		return
	}
	if err := s.outcomes.ScheduleForJob(ctx, job); err != nil {
		s.logger.ErrorContext(ctx, "schedule webhook deliveries failed",
			"job_id", job.ID,
			"status", job.Status,
			"error", err,
		)
	}
}
