package deliveryrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

// fakeDeliverer hands out queued deliveries; a claimed delivery is never returned twice.
type fakeDeliverer struct {
	mu        sync.Mutex
	due       []*model.WebhookDelivery
	claimErr  error
	claims    int
	limits    []int
	delivered []string
	ctxErrs   []error
	inflight  int
	peak      int
	delay     time.Duration
}

func (f *fakeDeliverer) ClaimDue(_ context.Context, limit int, _ time.Duration) ([]*model.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	f.limits = append(f.limits, limit)
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := min(limit, len(f.due))
	out := f.due[:n]
	f.due = f.due[n:]
	return out, nil
}

func (f *fakeDeliverer) Deliver(ctx context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	f.mu.Lock()
	f.inflight++
	f.peak = max(f.peak, f.inflight)
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	f.delivered = append(f.delivered, d.ID)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	out := *d
	out.Status = model.DeliveryStatusDelivered
	return &out, nil
}

func (f *fakeDeliverer) snapshot() (delivered []string, claims, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...), f.claims, f.peak
}

func dueDeliveries(webhookID string, ids ...string) []*model.WebhookDelivery {
	out := make([]*model.WebhookDelivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.WebhookDelivery{
			ID:        id,
			WebhookID: webhookID,
			JobID:     "job-" + id,
			Status:    model.DeliveryStatusPending,
		})
	}
	return out
}

func runFor(t *testing.T, r *Runner, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if until != nil {
		require.Eventually(t, until, 3*time.Second, 5*time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Deliveries: &fakeDeliverer{}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.workers)
	assert.Equal(t, defaultBatchSize, r.batchSize)
	assert.Equal(t, defaultLock, r.lock)
	assert.Equal(t, defaultPollInterval, r.pollInterval)
}

func TestRunner_DeliversDueWork(t *testing.T) {
	f := &fakeDeliverer{
		due:   append(dueDeliveries("wh-1", "a", "b", "c"), dueDeliveries("wh-2", "d", "e")...),
		delay: 20 * time.Millisecond,
	}
	r, err := NewRunner(RunnerOptions{
		Deliveries:   f,
		Concurrency:  2,
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	runFor(t, r, func() bool {
		delivered, _, _ := f.snapshot()
		return len(delivered) == 5
	})

	delivered, _, peak := f.snapshot()
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, delivered)
	assert.LessOrEqual(t, peak, 2)
	for _, limit := range f.limits {
		assert.LessOrEqual(t, limit, 2, "claims never exceed free workers")
	}
}

func TestRunner_RateLimitsPerWebhook(t *testing.T) {
	f := &fakeDeliverer{due: append(dueDeliveries("noisy", "n1", "n2", "n3"), dueDeliveries("quiet", "q1")...)}
	rec := &statsd.Recorder{}
	r, err := NewRunner(RunnerOptions{
		Deliveries:   f,
		Metrics:      rec,
		Concurrency:  4,
		BatchSize:    4,
		PollInterval: 10 * time.Millisecond,
		RateLimit:    0.001,
		RateBurst:    1,
	})
	require.NoError(t, err)

	runFor(t, r, func() bool {
		delivered, _, _ := f.snapshot()
		return len(delivered) == 2
	})

	delivered, _, _ := f.snapshot()
	assert.ElementsMatch(t, []string{"n1", "q1"}, delivered)
	assert.EqualValues(t, 2, rec.Counts("webhook.delivery_throttled", nil))
}

func TestRunner_InflightSurvivesShutdown(t *testing.T) {
	f := &fakeDeliverer{due: dueDeliveries("wh-1", "a"), delay: 100 * time.Millisecond}
	r, err := NewRunner(RunnerOptions{Deliveries: f, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	runFor(t, r, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.inflight == 1
	})

	delivered, _, _ := f.snapshot()
	assert.Equal(t, []string{"a"}, delivered)
	assert.NoError(t, f.ctxErrs[0])
}

func TestRunner_ClaimFailuresPause(t *testing.T) {
	f := &fakeDeliverer{claimErr: errors.New("connection refused")}
	r, err := NewRunner(RunnerOptions{Deliveries: f, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	runFor(t, r, func() bool {
		_, claims, _ := f.snapshot()
		return claims == 1
	})
	_, claims, _ := f.snapshot()
	assert.Equal(t, 1, claims)
}

func TestLimiterSet(t *testing.T) {
	now := time.Now()

	t.Run("disabled", func(t *testing.T) {
		s := newLimiterSet(0, 0)
		for range 100 {
			assert.True(t, s.allow("wh", now))
		}
	})

	t.Run("buckets are independent", func(t *testing.T) {
		s := newLimiterSet(1, 2)
		assert.True(t, s.allow("a", now))
		assert.True(t, s.allow("a", now))
		assert.False(t, s.allow("a", now))
		assert.True(t, s.allow("b", now))
		assert.True(t, s.allow("a", now.Add(time.Second)))
	})

	t.Run("prunes idle buckets", func(t *testing.T) {
		s := newLimiterSet(1, 1)
		s.buckets["stale"] = &bucket{limiter: nil, lastUsed: now.Add(-time.Hour)}
		s.buckets["fresh"] = &bucket{limiter: nil, lastUsed: now}
		s.prune(now)
		assert.NotContains(t, s.buckets, "stale")
		assert.Contains(t, s.buckets, "fresh")
	})
}
