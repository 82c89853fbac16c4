package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

type deliveryFixture struct {
	jobs       *JobRepo
	webhooks   *WebhookRepo
	deliveries *WebhookDeliveryRepo
	tp         *FixedTimeProvider
}

func newDeliveryFixture(t *testing.T, db *sql.DB) deliveryFixture {
	t.Helper()
	jobs, tp := newTestJobRepo(db)
	return deliveryFixture{
		jobs:       jobs,
		webhooks:   newTestWebhookRepo(t, db),
		deliveries: NewWebhookDeliveryRepo(db, tp, nil),
		tp:         tp,
	}
}

func TestWebhookDeliveryRepo_CreateForJob(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		f := newDeliveryFixture(t, db)
		ctx := context.Background()
		createTestWebhook(t, f.webhooks, "tenant-a", true)
		createTestWebhook(t, f.webhooks, "tenant-a", true)
		createTestWebhook(t, f.webhooks, "tenant-a", false)
		createTestWebhook(t, f.webhooks, "tenant-b", true)
		jobID := enqueueTestJob(t, f.jobs, "tenant-a", 3)

		params := core.CreateDeliveriesParams{JobID: jobID, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6}
		created, err := f.deliveries.CreateForJob(ctx, params)
		require.NoError(t, err)
		require.Len(t, created, 2, "only active webhooks of the tenant")
		for _, d := range created {
			assert.Equal(t, model.DeliveryStatusPending, d.Status)
			assert.Equal(t, 0, d.Attempt)
			assert.Equal(t, 6, d.MaxAttempts)
			require.NotNil(t, d.NextAttemptAt)
			assert.True(t, d.NextAttemptAt.Equal(f.tp.Now()))
		}

		again, err := f.deliveries.CreateForJob(ctx, params)
		require.NoError(t, err)
		assert.Empty(t, again)

		var n int
		require.NoError(t, db.QueryRow(`SELECT count(*) FROM webhook_deliveries WHERE job_id = $1`, jobID).Scan(&n))
		assert.Equal(t, 2, n)
	})
}

func TestWebhookDeliveryRepo_ClaimDue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		f := newDeliveryFixture(t, db)
		ctx := context.Background()
		createTestWebhook(t, f.webhooks, "tenant-a", true)
		jobID := enqueueTestJob(t, f.jobs, "tenant-a", 3)
		created, err := f.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
			JobID: jobID, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6,
		})
		require.NoError(t, err)
		require.Len(t, created, 1)

		claimed, err := f.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: 10, Lock: time.Minute})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, created[0].ID, claimed[0].ID)

		claimed, err = f.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: 10, Lock: time.Minute})
		require.NoError(t, err)
		assert.Empty(t, claimed, "locked deliveries are hidden")

		f.tp.AddTime(2 * time.Minute)
		claimed, err = f.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: 10, Lock: time.Minute})
		require.NoError(t, err)
		assert.Len(t, claimed, 1, "an abandoned lock expires")

		_, err = f.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: 10})
		require.Error(t, err)
	})
}

func TestWebhookDeliveryRepo_RecordAttempt(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		f := newDeliveryFixture(t, db)
		ctx := context.Background()
		wh := createTestWebhook(t, f.webhooks, "tenant-a", true)
		jobID := enqueueTestJob(t, f.jobs, "tenant-a", 3)
		created, err := f.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
			JobID: jobID, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6,
		})
		require.NoError(t, err)
		id := created[0].ID

		next := f.tp.Now().Add(time.Minute)
		d, err := f.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
			DeliveryID:    id,
			Status:        model.DeliveryStatusPending,
			ResponseCode:  testutil.IntPtr(500),
			Err:           "status 500: token=abc123",
			NextAttemptAt: &next,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, d.Attempt)
		assert.Equal(t, model.DeliveryStatusPending, d.Status)
		require.NotNil(t, d.LastResponseCode)
		assert.Equal(t, 500, *d.LastResponseCode)
		require.NotNil(t, d.LastError)
		assert.NotContains(t, *d.LastError, "abc123")
		assert.True(t, d.NextAttemptAt.Equal(next))

		claimed, err := f.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: 10, Lock: time.Minute})
		require.NoError(t, err)
		assert.Empty(t, claimed, "not due before next_attempt_at")

		d, err = f.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
			DeliveryID:   id,
			Status:       model.DeliveryStatusDelivered,
			ResponseCode: testutil.IntPtr(204),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, d.Attempt)
		assert.Equal(t, model.DeliveryStatusDelivered, d.Status)
		assert.NotNil(t, d.DeliveredAt)
		assert.Nil(t, d.NextAttemptAt)
		assert.Nil(t, d.LastError)

		_, err = f.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
			DeliveryID: id, Status: model.DeliveryStatusFailed,
		})
		require.ErrorIs(t, err, ErrDeliveryNotFound, "terminal deliveries are not updated")

		_, err = f.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
			DeliveryID: id, Status: model.DeliveryStatusPending,
		})
		require.Error(t, err, "pending requires a next attempt time")

		failed := model.DeliveryStatusDelivered
		list, err := f.deliveries.ListByWebhook(ctx, wh.ID, model.DeliveryListOptions{Status: &failed})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, id, list[0].ID)

		list, err = f.deliveries.ListByWebhook(ctx, wh.ID, model.DeliveryListOptions{JobID: "garbage"})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestWebhookDeliveryRepo_DeleteTerminalBefore(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		f := newDeliveryFixture(t, db)
		ctx := context.Background()
		createTestWebhook(t, f.webhooks, "tenant-a", true)

		doneJob := enqueueTestJob(t, f.jobs, "tenant-a", 3)
		pendingJob := enqueueTestJob(t, f.jobs, "tenant-a", 3)
		done, err := f.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
			JobID: doneJob, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6,
		})
		require.NoError(t, err)
		_, err = f.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
			JobID: pendingJob, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6,
		})
		require.NoError(t, err)

		_, err = f.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
			DeliveryID: done[0].ID, Status: model.DeliveryStatusDelivered, ResponseCode: testutil.IntPtr(200),
		})
		require.NoError(t, err)

		f.tp.AddTime(48 * time.Hour)
		n, err := f.deliveries.DeleteTerminalBefore(ctx, f.tp.Now().Add(-24*time.Hour), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = f.deliveries.GetByID(ctx, done[0].ID)
		require.ErrorIs(t, err, ErrDeliveryNotFound)

		var remaining int
		require.NoError(t, db.QueryRow(`SELECT count(*) FROM webhook_deliveries`).Scan(&remaining))
		assert.Equal(t, 1, remaining, "pending deliveries are kept")
	})
}

func TestWebhookDeliveryRepo_DeletedWebhookKeepsLog(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		f := newDeliveryFixture(t, db)
		ctx := context.Background()
		wh := createTestWebhook(t, f.webhooks, "tenant-a", true)
		jobID := enqueueTestJob(t, f.jobs, "tenant-a", 3)
		created, err := f.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
			JobID: jobID, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6,
		})
		require.NoError(t, err)
		require.Len(t, created, 1)

		deleted, err := f.webhooks.Delete(ctx, wh.ID, "tenant-a")
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = f.webhooks.Delete(ctx, wh.ID, "tenant-a")
		require.NoError(t, err)
		assert.False(t, deleted, "already deleted")

		_, err = f.webhooks.GetTarget(ctx, wh.ID)
		require.ErrorIs(t, err, ErrWebhookNotFound)

		claimed, err := f.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: 10, Lock: time.Minute})
		require.NoError(t, err)
		require.Len(t, claimed, 1, "pending deliveries outlive their webhook")

		d, err := f.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
			DeliveryID: created[0].ID,
			Status:     model.DeliveryStatusFailed,
			Err:        "webhook deleted",
		})
		require.NoError(t, err)
		assert.Equal(t, model.DeliveryStatusFailed, d.Status)

		list, err := f.deliveries.ListByWebhook(ctx, wh.ID, model.DeliveryListOptions{})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		other := enqueueTestJob(t, f.jobs, "tenant-a", 3)
		fanned, err := f.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
			JobID: other, TenantID: "tenant-a", EventType: "job.done", MaxAttempts: 6,
		})
		require.NoError(t, err)
		assert.Empty(t, fanned, "deleted webhooks get no new deliveries")
	})
}
