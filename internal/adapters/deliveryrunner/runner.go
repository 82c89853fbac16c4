// Package deliveryrunner claims due webhook deliveries and posts them.
package deliveryrunner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Deliverer is the delivery side of the webhook subsystem. *service.DeliveryService implements it.
type Deliverer interface {
	ClaimDue(ctx context.Context, limit int, lock time.Duration) ([]*model.WebhookDelivery, error)
	Deliver(ctx context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, error)
}

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 20
	defaultLock         = time.Minute
	minClaimPause       = time.Second
	maxClaimPause       = 30 * time.Second
	limiterIdleTTL      = 10 * time.Minute
	limiterPruneSize    = 1024
)

// RunnerOptions configures the delivery runner.
type RunnerOptions struct {
	Deliveries Deliverer
	Logger     *slog.Logger
	Metrics    statsd.Sink

	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	Lock         time.Duration
	RateLimit    float64 // per-webhook requests per second; zero disables throttling
	RateBurst    int
}

// Runner posts due deliveries with bounded concurrency. Deliveries skipped by the
// per-webhook rate limiter stay locked until their claim expires and are retried then.
type Runner struct {
	deliveries   Deliverer
	logger       *slog.Logger
	metrics      statsd.Sink
	slots        *semaphore.Weighted
	workers      int
	pollInterval time.Duration
	batchSize    int
	lock         time.Duration
	limiters     *limiterSet
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Deliveries == nil {
		return nil, errors.New("deliverer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := max(opts.Concurrency, 1)
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	lock := opts.Lock
	if lock <= 0 {
		lock = defaultLock
	}

	return &Runner{
		deliveries:   opts.Deliveries,
		logger:       logger.With("component", "delivery_runner"),
		metrics:      opts.Metrics,
		slots:        semaphore.NewWeighted(int64(workers)),
		workers:      workers,
		pollInterval: poll,
		batchSize:    batch,
		lock:         lock,
		limiters:     newLimiterSet(opts.RateLimit, opts.RateBurst),
	}, nil
}

// Run claims and posts deliveries until ctx is canceled. In-flight posts finish
// under their own timeout before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "delivery runner started",
		"workers", r.workers,
		"batch_size", r.batchSize,
		"lock", r.lock,
	)

	var inflight errgroup.Group
	defer func() {
		_ = inflight.Wait()
		r.logger.InfoContext(context.WithoutCancel(ctx), "delivery runner stopped")
	}()

	var pause time.Duration
	for ctx.Err() == nil {
		// Claim no more than there are free workers so claimed rows are not left
		// waiting while their lock runs down.
		if err := r.slots.Acquire(ctx, 1); err != nil {
			break
		}
		free := int64(1)
		for free < int64(r.batchSize) && r.slots.TryAcquire(1) {
			free++
		}

		batch, err := r.deliveries.ClaimDue(ctx, int(free), r.lock)
		if err != nil {
			r.slots.Release(free)
			if ctx.Err() != nil {
				break
			}
			pause = nextPause(pause)
			r.logger.WarnContext(ctx, "claim due deliveries failed; pausing", "error", err, "pause", pause)
			sleep(ctx, pause)
			continue
		}
		pause = 0

		dispatched := r.dispatch(ctx, &inflight, batch)
		r.slots.Release(free - int64(dispatched))

		if len(batch) < int(free) {
			sleep(ctx, r.pollInterval)
		}
	}
	return nil
}

func (r *Runner) dispatch(ctx context.Context, inflight *errgroup.Group, batch []*model.WebhookDelivery) int {
	dispatched := 0
	for _, d := range batch {
		if !r.limiters.allow(d.WebhookID, time.Now()) {
			r.logger.DebugContext(ctx, "webhook rate limited; deferring delivery",
				"delivery_id", d.ID,
				"webhook_id", d.WebhookID,
			)
			if r.metrics != nil {
				r.metrics.Count("webhook.delivery_throttled", 1, nil)
			}
			continue
		}
		dispatched++
		inflight.Go(func() error {
			defer r.slots.Release(1)
			r.deliver(context.WithoutCancel(ctx), d)
			return nil
		})
	}
	return dispatched
}

func (r *Runner) deliver(ctx context.Context, d *model.WebhookDelivery) {
	logger := r.logger.With(
		"delivery_id", d.ID,
		"webhook_id", d.WebhookID,
		"job_id", d.JobID,
		"attempt", d.Attempt+1,
	)
	out, err := r.deliveries.Deliver(ctx, d)
	if err != nil {
		logger.ErrorContext(ctx, "delivery attempt not recorded", "error", err)
		return
	}

	switch out.Status {
	case model.DeliveryStatusDelivered:
		logger.DebugContext(ctx, "webhook delivered")
	case model.DeliveryStatusPending:
		logger.InfoContext(ctx, "webhook delivery failed; will retry", "next_attempt_at", out.NextAttemptAt)
	default:
		var lastErr string
		if out.LastError != nil {
			lastErr = *out.LastError
		}
		logger.WarnContext(ctx, "webhook delivery gave up", "status", out.Status, "last_error", lastErr)
	}
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

// limiterSet holds one token bucket per webhook.
type limiterSet struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if perSecond <= 0 {
		return &limiterSet{limit: rate.Inf}
	}
	return &limiterSet{
		limit:   rate.Limit(perSecond),
		burst:   max(burst, 1),
		buckets: make(map[string]*bucket),
	}
}

func (s *limiterSet) allow(webhookID string, now time.Time) bool {
	if s.limit == rate.Inf {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[webhookID]
	if !ok {
		if len(s.buckets) >= limiterPruneSize {
			s.prune(now)
		}
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[webhookID] = b
	}
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

// prune drops buckets idle long enough to have refilled.
func (s *limiterSet) prune(now time.Time) {
	for id, b := range s.buckets {
		if now.Sub(b.lastUsed) > limiterIdleTTL {
			delete(s.buckets, id)
		}
	}
}
