package workflowtest

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

const workflowSecret = "workflow-secret-0123456789abcdef"

func TestWorkflowTestOptions(t *testing.T) {
	opts := DefaultWorkflowOptions()
	assert.False(t, opts.EnableRedis)
	assert.Equal(t, 30*time.Second, opts.JobLease)
	assert.Equal(t, 2, opts.Concurrency)
	assert.Len(t, opts.DeliverySchedule, 2)

	redisOpts := RedisWorkflowOptions()
	assert.True(t, redisOpts.EnableRedis)
	assert.Equal(t, opts.JobLease, redisOpts.JobLease)
}

func TestFetchJobWorkflow(t *testing.T) {
	WithWorkflowHarness(t, DefaultWorkflowOptions(), func(h *WorkflowTestHarness) {
		tenant := testutil.UniqueTenant("wf")
		wh := h.CreateWebhook(tenant, workflowSecret)

		req := testutil.NewEnqueueRequest().
			WithTenant(tenant).
			WithResource(h.OriginURL("/page")).
			WithCorrelationID("corr-wf-1").
			Build()
		res := h.Enqueue(req)
		require.False(t, res.Duplicate)
		assert.Equal(t, model.JobStatusQueued, res.Status)

		dup := h.Enqueue(req)
		assert.True(t, dup.Duplicate, "same resource and options must dedupe")
		assert.Equal(t, res.JobID, dup.JobID)

		job := h.WaitForStatus(res.JobID, tenant, model.JobStatusDone, 10*time.Second)
		assert.Equal(t, 1, job.Attempt)
		assert.NotNil(t, job.FinishedAt)
		assert.Nil(t, job.LockedBy)

		timeline := h.Timeline(res.JobID, tenant)
		require.NotEmpty(t, timeline)
		var sawRunning, sawDone, sawMetric bool
		for i, ev := range timeline {
			if i > 0 {
				assert.Greater(t, ev.ID, timeline[i-1].ID, "timeline must be ordered by id")
			}
			assert.Equal(t, "corr-wf-1", ev.CorrelationID)
			switch ev.EventType {
			case model.ProgressStatusChanged:
				switch model.JobStatus(ev.Message) {
				case model.JobStatusRunning:
					sawRunning = true
				case model.JobStatusDone:
					sawDone = true
				}
			case model.ProgressMetric:
				sawMetric = true
			}
		}
		assert.True(t, sawRunning, "timeline should record the running transition")
		assert.True(t, sawDone, "timeline should record the done transition")
		assert.True(t, sawMetric, "fetch handler should record a response metric")

		var delivered []*model.WebhookDelivery
		require.True(t, poll(5*time.Second, func() bool {
			delivered = append(delivered, h.DeliverDue(10)...)
			return len(delivered) > 0
		}), "no delivery became due")
		require.Len(t, delivered, 1)
		assert.Equal(t, model.DeliveryStatusDelivered, delivered[0].Status)
		assert.Equal(t, wh.ID, delivered[0].WebhookID)

		got := h.Received()
		require.Len(t, got, 1)
		assert.Equal(t, "job.done", got[0].Header.Get(service.HeaderEvent))
		assert.Equal(t, wh.ID, got[0].Header.Get(service.HeaderWebhookID))
		require.NoError(t, service.VerifySignature(
			[]byte(workflowSecret), got[0].Header.Get(service.HeaderSignature), got[0].Body, time.Now(), 5*time.Minute,
		))

		var body map[string]any
		require.NoError(t, json.Unmarshal(got[0].Body, &body))
		assert.Equal(t, res.JobID, body["job_id"])
		assert.Equal(t, "done", body["status"])

		// A second sweep finds nothing: the delivery is terminal.
		assert.Empty(t, h.DeliverDue(10))
	})
}

func TestBlockedFetchFailsWithoutRetry(t *testing.T) {
	WithWorkflowHarness(t, DefaultWorkflowOptions(), func(h *WorkflowTestHarness) {
		tenant := testutil.UniqueTenant("wf-blocked")
		res := h.Enqueue(testutil.NewEnqueueRequest().
			WithTenant(tenant).
			WithResource("http://169.254.169.254/latest/meta-data/").
			WithMaxAttempts(3).
			Build())

		job := h.WaitForStatus(res.JobID, tenant, model.JobStatusFailed, 10*time.Second)
		assert.Equal(t, 1, job.Attempt, "policy violations are permanent")
		require.NotNil(t, job.LastError)
		assert.Contains(t, *job.LastError, "blocked")
	})
}

func TestCrashOnFinalAttemptIsFailedByWorkers(t *testing.T) {
	WithWorkflowHarness(t, DefaultWorkflowOptions(), func(h *WorkflowTestHarness) {
		tenant := testutil.UniqueTenant("wf-crash")
		h.CreateWebhook(tenant, workflowSecret)
		res := h.Enqueue(testutil.NewEnqueueRequest().
			WithTenant(tenant).
			WithResource(h.OriginURL("/crash")).
			WithMaxAttempts(1).
			Build())

		// A worker claims the only attempt and dies without touching the job again.
		claimed, err := h.JobRepo.Claim(context.Background(), core.ClaimParams{
			WorkerID: "crashed-worker",
			Lease:    50 * time.Millisecond,
		})
		require.NoError(t, err)
		require.Equal(t, res.JobID, claimed.ID)
		time.Sleep(100 * time.Millisecond)

		job := h.WaitForStatus(res.JobID, tenant, model.JobStatusFailed, 10*time.Second)
		assert.Equal(t, 1, job.Attempt)
		require.NotNil(t, job.LastError)
		assert.Contains(t, *job.LastError, "lease expired")

		var delivered []*model.WebhookDelivery
		require.True(t, poll(5*time.Second, func() bool {
			delivered = append(delivered, h.DeliverDue(10)...)
			return len(delivered) > 0
		}), "the swept failure should fan out to webhooks")
		assert.Equal(t, "job.failed", h.Received()[0].Header.Get(service.HeaderEvent))
	})
}

func TestWebhookRetriesAfterServerError(t *testing.T) {
	opts := DefaultWorkflowOptions()
	opts.DeliverySchedule = []time.Duration{50 * time.Millisecond}

	WithWorkflowHarness(t, opts, func(h *WorkflowTestHarness) {
		tenant := testutil.UniqueTenant("wf-retry")
		h.CreateWebhook(tenant, workflowSecret)
		h.SetReceiverStatus(http.StatusServiceUnavailable)

		res := h.Enqueue(testutil.FetchJobRequest(tenant, h.OriginURL("/retry")))
		h.WaitForStatus(res.JobID, tenant, model.JobStatusDone, 10*time.Second)

		var first []*model.WebhookDelivery
		require.True(t, poll(5*time.Second, func() bool {
			first = h.DeliverDue(10)
			return len(first) > 0
		}))
		require.Len(t, first, 1)
		assert.Equal(t, model.DeliveryStatusPending, first[0].Status)
		require.NotNil(t, first[0].LastResponseCode)
		assert.Equal(t, http.StatusServiceUnavailable, *first[0].LastResponseCode)

		h.SetReceiverStatus(http.StatusNoContent)
		var second []*model.WebhookDelivery
		require.True(t, poll(5*time.Second, func() bool {
			second = h.DeliverDue(10)
			return len(second) > 0
		}))
		require.Len(t, second, 1)
		assert.Equal(t, model.DeliveryStatusDelivered, second[0].Status)
		assert.Equal(t, 2, second[0].Attempt)
		assert.Len(t, h.Received(), 2)
	})
}

func TestRedisBackedDedupe(t *testing.T) {
	WithWorkflowHarness(t, RedisWorkflowOptions(), func(h *WorkflowTestHarness) {
		tenant := testutil.UniqueTenant("wf-redis")
		req := testutil.FetchJobRequest(tenant, h.OriginURL("/cached"))

		first := h.Enqueue(req)
		second := h.Enqueue(req)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.JobID, second.JobID)

		// Another tenant submitting the same resource gets its own job.
		other := h.Enqueue(testutil.FetchJobRequest(testutil.UniqueTenant("wf-redis"), h.OriginURL("/cached")))
		assert.False(t, other.Duplicate)
		assert.NotEqual(t, first.JobID, other.JobID)
	})
}
