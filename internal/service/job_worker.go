package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/target/mmk-jobqueue/internal/core"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	obserrors "github.com/target/mmk-jobqueue/internal/observability/errors"
)

// ErrWorkerSideDisabled is returned by lease methods on a service built without a lease repository.
var ErrWorkerSideDisabled = errors.New("job service has no lease repository")

// Claim leases the oldest claimable job of the given types to workerID.
// It returns model.ErrNoJobsAvailable when nothing is claimable.
func (s *JobService) Claim(
	ctx context.Context,
	workerID string,
	types []model.JobType,
	lease time.Duration,
) (*model.Job, error) {
	if s.leases == nil {
		return nil, ErrWorkerSideDisabled
	}
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() {
		s.logger.DebugContext(ctx, "clamped lease duration",
			"requested_duration", decision.Requested,
			"lease", decision.Lease,
		)
	}

	job, err := s.leases.Claim(ctx, core.ClaimParams{WorkerID: workerID, Types: types, Lease: decision.Lease})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}

	s.logger.DebugContext(ctx, "job claimed",
		"job_id", job.ID,
		"type", job.Type,
		"attempt", job.Attempt,
		"worker_id", workerID,
		"lease", decision.Lease,
	)
	return job, nil
}

// LeaseFor resolves a requested lease through the service's lease policy.
func (s *JobService) LeaseFor(request time.Duration) domainjob.LeaseDecision {
	return s.leasePolicy.Resolve(request)
}

// Heartbeat extends the lease held by ref.
func (s *JobService) Heartbeat(ctx context.Context, ref model.LeaseRef, lease time.Duration) (model.LeaseState, error) {
	if s.leases == nil {
		return model.LeaseState{}, ErrWorkerSideDisabled
	}
	decision := s.leasePolicy.Resolve(lease)
	state, err := s.leases.Heartbeat(ctx, ref, decision.Lease)
	if err != nil {
		return model.LeaseState{}, fmt.Errorf("heartbeat job %s: %w", ref.JobID, err)
	}
	if !state.Held {
		s.logger.WarnContext(ctx, "job lease lost", "job_id", ref.JobID, "worker_id", ref.WorkerID)
	}
	return state, nil
}

// Complete marks a leased job done.
func (s *JobService) Complete(ctx context.Context, ref model.LeaseRef) (*model.Job, error) {
	if s.leases == nil {
		return nil, ErrWorkerSideDisabled
	}
	job, err := s.leases.Complete(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", ref.JobID, err)
	}
	s.logger.DebugContext(ctx, "job completed", "job_id", job.ID, "attempt", job.Attempt)
	s.scheduleOutcome(ctx, job)
	return job, nil
}

// Retry records a transient failure. The job is requeued with backoff while
// attempts remain and fails otherwise.
func (s *JobService) Retry(ctx context.Context, ref model.LeaseRef, cause error) (*model.Job, error) {
	if s.leases == nil {
		return nil, ErrWorkerSideDisabled
	}
	job, err := s.leases.Retry(ctx, core.RetryParams{LeaseRef: ref, Err: errorText(cause)})
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", ref.JobID, err)
	}
	s.logger.DebugContext(ctx, "job attempt failed",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"status", job.Status,
		"run_after", job.RunAfter,
	)
	s.scheduleOutcome(ctx, job)
	s.failures.NotifyJob(ctx, job, obserrors.Classify(cause))
	return job, nil
}

// Fail records a permanent failure.
func (s *JobService) Fail(ctx context.Context, ref model.LeaseRef, cause error) (*model.Job, error) {
	if s.leases == nil {
		return nil, ErrWorkerSideDisabled
	}
	job, err := s.leases.FailPermanent(ctx, core.FailParams{LeaseRef: ref, Err: errorText(cause)})
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", ref.JobID, err)
	}
	s.logger.DebugContext(ctx, "job failed", "job_id", job.ID, "attempt", job.Attempt)
	s.scheduleOutcome(ctx, job)
	s.failures.NotifyJob(ctx, job, obserrors.Classify(cause))
	return job, nil
}

// MarkCanceled ends a leased job whose cancellation was observed by its worker.
func (s *JobService) MarkCanceled(ctx context.Context, ref model.LeaseRef) (*model.Job, error) {
	if s.leases == nil {
		return nil, ErrWorkerSideDisabled
	}
	job, err := s.leases.MarkCanceled(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", ref.JobID, err)
	}
	s.logger.DebugContext(ctx, "job canceled", "job_id", job.ID)
	s.scheduleOutcome(ctx, job)
	return job, nil
}

// Release gives a lease back during shutdown without spending an attempt.
func (s *JobService) Release(ctx context.Context, ref model.LeaseRef) (bool, error) {
	if s.leases == nil {
		return false, ErrWorkerSideDisabled
	}
	released, err := s.leases.Release(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", ref.JobID, err)
	}
	return released, nil
}

// CancelRequested reports whether cancellation was requested for a job.
func (s *JobService) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	if s.leases == nil {
		return false, ErrWorkerSideDisabled
	}
	requested, err := s.leases.CancelRequested(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("read cancel flag for job %s: %w", jobID, err)
	}
	return requested, nil
}

// Subscribe returns a channel signalled when new work may be claimable.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// StopNotifications closes every subscription and stops the listener.
func (s *JobService) StopNotifications() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
