package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/core"
	obserrors "github.com/target/mmk-jobqueue/internal/observability/errors"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service/failurenotifier"
)

const defaultReaperBatchSize = 500

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Leases     core.LeaseReaperRepository       // Required: exhausted lease sweep
	Deliveries core.DeliveryRetentionRepository // Required: delivery log retention
	Outcomes   OutcomeScheduler                 // Optional: webhook fan-out for jobs the sweep fails
	Failures   *failurenotifier.Service         // Optional: operator alerts for jobs the sweep fails
	Config     config.ReaperConfig              // Required: reaper configuration
	Clock      Clock                            // Optional: defaults to the system clock
	Logger     *slog.Logger                     // Optional: structured logger
	Metrics    statsd.Sink                      // Optional: metrics sink (StatsD-compatible)
}

// ReaperService runs the periodic maintenance sweeps: running jobs whose
// lease expired on their final attempt are failed, and finished webhook
// deliveries older than the retention window are deleted. Jobs and progress
// events are never deleted.
type ReaperService struct {
	leases     core.LeaseReaperRepository
	deliveries core.DeliveryRetentionRepository
	outcomes   OutcomeScheduler
	failures   *failurenotifier.Service
	config     config.ReaperConfig
	clock      Clock
	logger     *slog.Logger
	metrics    statsd.Sink
}

// sweep is one maintenance step. op names it in metrics, label in errors.
type sweep struct {
	op    string
	label string
	run   func(context.Context) (int64, error)
}

type sweepResult struct {
	op    string
	count int64
	err   error
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	switch {
	case opts.Leases == nil:
		return nil, errors.New("LeaseReaperRepository is required")
	case opts.Deliveries == nil:
		return nil, errors.New("DeliveryRetentionRepository is required")
	case opts.Config.Interval <= 0:
		return nil, errors.New("reaper interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = defaultReaperBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	s := &ReaperService{
		leases:     opts.Leases,
		deliveries: opts.Deliveries,
		outcomes:   opts.Outcomes,
		failures:   opts.Failures,
		config:     opts.Config,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
	}
	if opts.Logger != nil {
		s.logger = opts.Logger.With("component", "reaper_service")
	}
	return s, nil
}

// Run sweeps once after a random start delay of up to a tenth of the
// interval, then on every tick until ctx is canceled. Sweep errors are
// logged and do not stop the loop. Cancellation returns nil.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service",
			"interval", s.config.Interval,
			"batch_size", s.config.BatchSize,
			"delivery_retention", s.config.DeliveryRetention,
		)
	}

	if spread := int64(s.config.Interval / 10); spread > 0 {
		if err := sleepCtx(ctx, time.Duration(rand.Int64N(spread))); err != nil {
			return nil
		}
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		s.logSweepError(ctx, s.RunOnce(ctx))
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass of every sweep. A failing sweep does not
// stop the others; their errors are joined.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	sweeps := []sweep{
		{op: "fail_exhausted_leases", label: "fail exhausted leases", run: s.FailExhaustedLeases},
		{op: "delete_deliveries", label: "delete old deliveries", run: s.deleteOldDeliveries},
	}

	results := make([]sweepResult, 0, len(sweeps))
	var errs []error
	for _, sw := range sweeps {
		count, err := sw.run(ctx)
		results = append(results, sweepResult{op: sw.op, count: count, err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sw.label, err))
		}
	}
	s.recordSweeps(results, time.Since(start))

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if ctx.Err() != nil && isContextCancellation(joined) {
		return context.Canceled
	}
	return fmt.Errorf("cleanup failed: %w", joined)
}

// FailExhaustedLeases fails running jobs whose lease expired on their last
// attempt, hands each one to the webhook fan-out and alerts operators. A short
// batch ends it. The job runner calls it too, so a deployment without the
// reaper still resolves workers that crashed on a final attempt.
func (s *ReaperService) FailExhaustedLeases(ctx context.Context) (int64, error) {
	var total int64
	for {
		jobs, err := s.leases.FailExhaustedLeases(ctx, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		total += int64(len(jobs))
		for _, job := range jobs {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "failed job with expired lease on final attempt",
					"job_id", job.ID,
					"type", job.Type,
					"attempt", job.Attempt,
				)
			}
			if s.outcomes != nil {
				if err := s.outcomes.ScheduleForJob(ctx, job); err != nil && s.logger != nil {
					s.logger.ErrorContext(ctx, "schedule webhook deliveries failed", "job_id", job.ID, "error", err)
				}
			}
			s.failures.NotifyJob(ctx, job, obserrors.ClassTimeout)
		}
		if len(jobs) < s.config.BatchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// deleteOldDeliveries removes finished deliveries older than the retention
// window, one batch at a time until a batch deletes nothing.
func (s *ReaperService) deleteOldDeliveries(ctx context.Context) (int64, error) {
	if s.config.DeliveryRetention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.config.DeliveryRetention)

	var total int64
	for {
		n, err := s.deliveries.DeleteTerminalBefore(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old webhook deliveries",
			"count", total,
			"retention", s.config.DeliveryRetention,
		)
	}
	return total, nil
}

func (s *ReaperService) recordSweeps(results []sweepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		err := suppressContextCancellation(r.err)
		tags := sweepTags(r.count, err)
		tags["operation"] = r.op
		s.metrics.Count("reaper.cleanup_operation", 1, tags)
		if err == nil && r.count > 0 {
			s.metrics.Count("reaper.rows_processed", r.count, metrics.CloneTags(tags))
		}
		total += r.count
		if firstErr == nil {
			firstErr = err
		}
	}

	tags := sweepTags(total, firstErr)
	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(s.clock.Now().Unix()), nil)
	}
}

func sweepTags(count int64, err error) map[string]string {
	switch {
	case err != nil:
		tags := map[string]string{"result": metrics.ResultError}
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
		return tags
	case count == 0:
		return map[string]string{"result": metrics.ResultNoop}
	default:
		return map[string]string{"result": metrics.ResultSuccess}
	}
}

func (s *ReaperService) logSweepError(ctx context.Context, err error) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "cleanup canceled", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "cleanup failed", "error", err)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
