// Package jobrunner claims jobs from the queue and executes them with registered handlers.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

// JobQueue is the worker side of the job service.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, types []model.JobType, lease time.Duration) (*model.Job, error)
	LeaseFor(request time.Duration) domainjob.LeaseDecision
	Heartbeat(ctx context.Context, ref model.LeaseRef, lease time.Duration) (model.LeaseState, error)
	Complete(ctx context.Context, ref model.LeaseRef) (*model.Job, error)
	Retry(ctx context.Context, ref model.LeaseRef, cause error) (*model.Job, error)
	Fail(ctx context.Context, ref model.LeaseRef, cause error) (*model.Job, error)
	MarkCanceled(ctx context.Context, ref model.LeaseRef) (*model.Job, error)
	Release(ctx context.Context, ref model.LeaseRef) (bool, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	Subscribe() (func(), <-chan struct{})
}

// LeaseSweeper fails running jobs whose lease expired on their final attempt.
// Claim never hands those out again.
type LeaseSweeper interface {
	FailExhaustedLeases(ctx context.Context) (int64, error)
}

// ProgressLog appends and reads job timelines.
type ProgressLog interface {
	Append(ctx context.Context, workerID string, ev model.NewProgressEvent) (*model.ProgressEvent, error)
	List(ctx context.Context, jobID, tenantID string, opts model.ProgressListOptions) (*model.ProgressPage, error)
}

const (
	defaultPollInterval  = 5 * time.Second
	defaultShutdownGrace = 20 * time.Second
	minClaimPause        = time.Second
	maxClaimPause        = 30 * time.Second
	finalizeTimeout      = 10 * time.Second
)

var (
	errLeaseLost = errors.New("job lease lost")
	errShutdown  = errors.New("runner shutting down")
)

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs     JobQueue
	Progress ProgressLog
	Registry *Registry
	Logger   *slog.Logger
	Metrics  statsd.Sink

	Lease         time.Duration   // requested lease per claim; resolved through the queue's lease policy
	Concurrency   int             // number of worker goroutines; defaults to 1
	PollInterval  time.Duration   // idle wait when no notification arrives; defaults to 5s
	ShutdownGrace time.Duration   // time in-flight jobs get after shutdown begins
	WorkerID      string          // worker id prefix; defaults to hostname-pid
	Types         []model.JobType // job types to claim; defaults to every registered type
	LeaseSweeper  LeaseSweeper    // optional; run at start and every SweepInterval
	SweepInterval time.Duration   // defaults to the resolved lease
}

// Runner pulls jobs and executes them using registered handlers.
type Runner struct {
	jobs          JobQueue
	progress      ProgressLog
	registry      *Registry
	logger        *slog.Logger
	metrics       statsd.Sink
	lease         time.Duration
	heartbeat     time.Duration
	workers       int
	pollInterval  time.Duration
	shutdownGrace time.Duration
	workerPrefix  string
	types         []model.JobType
	sweeper       LeaseSweeper
	sweepInterval time.Duration
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Progress == nil {
		return nil, errors.New("progress log is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("handler registry is required")
	}

	types := opts.Types
	if len(types) == 0 {
		types = opts.Registry.Types()
	}
	if len(types) == 0 {
		return nil, errors.New("no job handlers registered")
	}
	for _, t := range types {
		if _, ok := opts.Registry.Lookup(t); !ok {
			return nil, fmt.Errorf("no handler registered for job type %q", t)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	grace := opts.ShutdownGrace
	if grace < 0 {
		grace = defaultShutdownGrace
	}

	decision := opts.Jobs.LeaseFor(opts.Lease)
	sweepEvery := opts.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = decision.Lease
	}

	return &Runner{
		jobs:          opts.Jobs,
		progress:      opts.Progress,
		registry:      opts.Registry,
		logger:        logger.With("component", "job_runner"),
		metrics:       opts.Metrics,
		lease:         decision.Lease,
		heartbeat:     decision.HeartbeatInterval(),
		workers:       workers,
		pollInterval:  poll,
		shutdownGrace: grace,
		workerPrefix:  workerPrefix(opts.WorkerID),
		types:         types,
		sweeper:       opts.LeaseSweeper,
		sweepInterval: sweepEvery,
	}, nil
}

func workerPrefix(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobrunner"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run starts the worker goroutines and blocks until ctx is canceled and every
// in-flight job has finished or been released.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "job runner started",
		"workers", r.workers,
		"types", r.types,
		"lease", r.lease,
		"heartbeat", r.heartbeat,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		workerID := fmt.Sprintf("%s-%d", r.workerPrefix, i+1)
		g.Go(func() error {
			r.workerLoop(gctx, workerID)
			return nil
		})
	}
	if r.sweeper != nil {
		g.Go(func() error {
			r.sweepLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	r.logger.InfoContext(context.WithoutCancel(ctx), "job runner stopped")
	return err
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	unsubscribe, notify := r.jobs.Subscribe()
	defer unsubscribe()

	logger := r.logger.With("worker_id", workerID)
	var pause time.Duration

	for ctx.Err() == nil {
		job, err := r.jobs.Claim(ctx, workerID, r.types, r.lease)
		switch {
		case err == nil:
			if r.processJob(ctx, workerID, job) {
				pause = nextPause(pause)
				logger.WarnContext(ctx, "infrastructure failure while running job; pausing", "pause", pause)
				sleep(ctx, pause)
				continue
			}
			pause = 0
		case errors.Is(err, model.ErrNoJobsAvailable):
			pause = 0
			notify = r.waitForWork(ctx, notify)
		case ctx.Err() != nil:
			return
		default:
			pause = nextPause(pause)
			logger.WarnContext(ctx, "claim failed; pausing", "error", err, "pause", pause)
			sleep(ctx, pause)
		}
	}
}

// sweepLoop resolves jobs stranded by a worker that died on its final attempt,
// so they do not stay running when no reaper process is deployed.
func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		n, err := r.sweeper.FailExhaustedLeases(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.WarnContext(ctx, "exhausted lease sweep failed", "error", err)
		case n > 0:
			r.logger.InfoContext(ctx, "failed jobs whose final lease expired", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// waitForWork blocks until a notification, the poll interval or shutdown. A closed
// notification channel degrades the worker to pure polling.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) <-chan struct{} {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-notify:
		if !ok {
			return nil
		}
	}
	return notify
}

func nextPause(prev time.Duration) time.Duration {
	if prev < minClaimPause {
		return minClaimPause
	}
	return min(prev*2, maxClaimPause)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// processJob runs one claimed attempt to a transition. It reports whether the
// attempt hit an infrastructure failure the worker should back off from.
func (r *Runner) processJob(ctx context.Context, workerID string, job *model.Job) bool {
	ref := model.LeaseRef{JobID: job.ID, WorkerID: workerID}
	logger := r.logger.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"attempt", job.Attempt,
		"worker_id", workerID,
		"correlation_id", job.CorrelationID,
	)
	start := time.Now()
	r.emit(job, metrics.TransitionClaimed, metrics.ResultSuccess, 0, nil)
	logger.DebugContext(ctx, "processing job")

	emitter := newEmitter(job, workerID, r.progress, r.jobs)
	handler, ok := r.registry.Lookup(job.Type)
	if !ok {
		err := domainjob.Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
		return r.finish(ctx, ref, job, logger, start, err, nil)
	}

	// In-flight jobs outlive ctx by the shutdown grace; superviseLease owns that deadline.
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.superviseLease(ctx, runCtx, cancel, ref, logger)
	}()

	err := r.invoke(runCtx, handler, job, emitter, logger)
	cause := context.Cause(runCtx)
	cancel(nil)
	wg.Wait()

	return r.finish(ctx, ref, job, logger, start, err, cause)
}

// superviseLease heartbeats until the handler returns. It cancels the handler when
// the lease is lost, cancellation is requested or the shutdown grace runs out.
func (r *Runner) superviseLease(
	ctx, runCtx context.Context,
	cancel context.CancelCauseFunc,
	ref model.LeaseRef,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	shutdown := ctx.Done()
	var grace <-chan time.Time

	for {
		select {
		case <-runCtx.Done():
			return
		case <-shutdown:
			shutdown = nil
			if r.shutdownGrace == 0 {
				cancel(errShutdown)
				return
			}
			logger.InfoContext(runCtx, "shutdown requested; waiting for job", "grace", r.shutdownGrace)
			grace = time.After(r.shutdownGrace)
		case <-grace:
			logger.WarnContext(runCtx, "shutdown grace expired; interrupting job")
			cancel(errShutdown)
			return
		case <-ticker.C:
			hbCtx, hbCancel := context.WithTimeout(runCtx, r.heartbeat)
			state, err := r.jobs.Heartbeat(hbCtx, ref, r.lease)
			hbCancel()
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				logger.WarnContext(runCtx, "heartbeat failed", "error", err)
				continue
			}
			if !state.Held {
				cancel(errLeaseLost)
				return
			}
			if state.CancelRequested {
				logger.InfoContext(runCtx, "cancellation requested; interrupting job")
				cancel(domainjob.ErrCanceled)
				return
			}
		}
	}
}

func (r *Runner) invoke(
	ctx context.Context,
	h Handler,
	job *model.Job,
	emit Emitter,
	logger *slog.Logger,
) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "job handler panicked", "panic", rec, "stack", string(debug.Stack()))
			err = domainjob.Permanent(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return h(ctx, job, emit)
}

// finish applies the transition for the handler result. The store appends the
// matching status_changed and error events inside the transition.
func (r *Runner) finish(
	ctx context.Context,
	ref model.LeaseRef,
	job *model.Job,
	logger *slog.Logger,
	start time.Time,
	err, cause error,
) bool {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	duration := time.Since(start)

	switch {
	case err == nil:
		_, terr := r.jobs.Complete(fctx, ref)
		r.logTransition(fctx, logger, "job completed", terr)
		r.emit(job, metrics.TransitionDone, result(terr), duration, terr)

	case errors.Is(cause, errLeaseLost) || errors.Is(err, data.ErrLeaseLost):
		logger.WarnContext(fctx, "job lease lost; abandoning attempt", "error", err)
		r.emit(job, metrics.TransitionLost, metrics.ResultNoop, duration, nil)

	case errors.Is(cause, errShutdown):
		released, terr := r.jobs.Release(fctx, ref)
		r.logTransition(fctx, logger, "job released for shutdown", terr)
		res := result(terr)
		if terr == nil && !released {
			res = metrics.ResultNoop
		}
		r.emit(job, metrics.TransitionReleased, res, duration, terr)

	case errors.Is(cause, domainjob.ErrCanceled) || domainjob.Classify(err) == domainjob.ClassCanceled:
		_, terr := r.jobs.MarkCanceled(fctx, ref)
		r.logTransition(fctx, logger, "job canceled", terr)
		r.emit(job, metrics.TransitionCanceled, result(terr), duration, terr)

	case domainjob.IsInfrastructure(err):
		// Not the job's fault: hand it back without spending the attempt.
		logger.WarnContext(fctx, "job hit infrastructure failure", "error", err)
		_, terr := r.jobs.Release(fctx, ref)
		r.logTransition(fctx, logger, "job released after infrastructure failure", terr)
		r.emit(job, metrics.TransitionReleased, metrics.ResultError, duration, err)
		return true

	default:
		class := domainjob.Classify(err)
		logger.InfoContext(fctx, "job handler failed", "error", err, "class", class)
		if class == domainjob.ClassPermanent {
			_, terr := r.jobs.Fail(fctx, ref, err)
			r.logTransition(fctx, logger, "job failed permanently", terr)
			r.emit(job, metrics.TransitionFailed, metrics.ResultError, duration, err)
			break
		}
		updated, terr := r.jobs.Retry(fctx, ref, err)
		r.logTransition(fctx, logger, "job attempt failed", terr)
		transition := metrics.TransitionRetried
		if updated != nil && updated.Status == model.JobStatusFailed {
			transition = metrics.TransitionFailed
		}
		r.emit(job, transition, metrics.ResultError, duration, err)
	}
	return false
}

func (r *Runner) logTransition(ctx context.Context, logger *slog.Logger, msg string, err error) {
	switch {
	case err == nil:
		logger.DebugContext(ctx, msg)
	case errors.Is(err, data.ErrLeaseLost):
		logger.WarnContext(ctx, "lease lost before transition", "transition", msg)
	default:
		logger.ErrorContext(ctx, "job transition failed", "transition", msg, "error", err)
	}
}

func (r *Runner) emit(job *model.Job, transition, res string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    string(job.Type),
		Transition: transition,
		Result:     res,
		Attempt:    job.Attempt,
		Duration:   d,
		Err:        err,
	})
}

func result(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultSuccess
}
