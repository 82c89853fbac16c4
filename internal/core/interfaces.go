package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces; internal/data provides the Postgres and Redis
// implementations.

// EnqueueJobParams is a validated submission with its idempotency key already computed.
type EnqueueJobParams struct {
	TenantID       string
	CorrelationID  string
	Type           model.JobType
	IdempotencyKey string
	MaxAttempts    int
	Payload        json.RawMessage
}

// ClaimParams selects what a worker is willing to run.
type ClaimParams struct {
	WorkerID string
	// Types restricts the claim to registered handlers. Empty claims any type.
	Types []model.JobType
	Lease time.Duration
}

// RetryParams records a transient failure of the current attempt.
type RetryParams struct {
	model.LeaseRef
	Err string
}

// FailParams records a permanent failure.
type FailParams struct {
	model.LeaseRef
	Err string
}

// JobRepository is the submission and query side of the job store.
type JobRepository interface {
	Enqueue(ctx context.Context, p EnqueueJobParams) (*model.EnqueueResult, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Stats(ctx context.Context, tenantID string) (*model.JobStats, error)
	RequestCancel(ctx context.Context, jobID, tenantID string) (*model.Job, error)
}

// JobLeaseRepository is the worker side of the job store. Every mutation is
// conditional on the caller still holding the lease named by its LeaseRef.
type JobLeaseRepository interface {
	Claim(ctx context.Context, p ClaimParams) (*model.Job, error)
	Heartbeat(ctx context.Context, ref model.LeaseRef, lease time.Duration) (model.LeaseState, error)
	Complete(ctx context.Context, ref model.LeaseRef) (*model.Job, error)
	Retry(ctx context.Context, p RetryParams) (*model.Job, error)
	FailPermanent(ctx context.Context, p FailParams) (*model.Job, error)
	MarkCanceled(ctx context.Context, ref model.LeaseRef) (*model.Job, error)
	Release(ctx context.Context, ref model.LeaseRef) (bool, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	WaitForNotification(ctx context.Context) error
}

// LeaseReaperRepository fails running jobs whose lease expired on the final attempt.
type LeaseReaperRepository interface {
	FailExhaustedLeases(ctx context.Context, batchSize int) ([]*model.Job, error)
}

// DeliveryRetentionRepository removes finished deliveries last updated before cutoff.
type DeliveryRetentionRepository interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// ProgressEventRepository persists the append-only job timeline.
type ProgressEventRepository interface {
	Append(ctx context.Context, workerID string, ev model.NewProgressEvent) (*model.ProgressEvent, error)
	List(ctx context.Context, jobID string, opts model.ProgressListOptions) (*model.ProgressPage, error)
}

// WebhookRepository stores tenant webhooks. Only GetTarget exposes the secret.
type WebhookRepository interface {
	Create(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error)
	GetByID(ctx context.Context, id, tenantID string) (*model.Webhook, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]*model.Webhook, error)
	Update(ctx context.Context, id, tenantID string, req *model.UpdateWebhookRequest) (*model.Webhook, error)
	Delete(ctx context.Context, id, tenantID string) (bool, error)
	GetTarget(ctx context.Context, id string) (*model.WebhookTarget, error)
}

// CreateDeliveriesParams fans a terminal job out to its tenant's active webhooks.
type CreateDeliveriesParams struct {
	JobID       string
	TenantID    string
	EventType   string
	MaxAttempts int
}

// ClaimDueParams bounds a delivery claim.
type ClaimDueParams struct {
	Limit int
	// Lock hides claimed rows from other delivery workers while the attempt is in flight.
	Lock time.Duration
}

// RecordAttemptParams stores the outcome of one POST.
type RecordAttemptParams struct {
	DeliveryID    string
	Status        model.DeliveryStatus
	ResponseCode  *int
	Err           string
	NextAttemptAt *time.Time
}

// WebhookDeliveryRepository tracks delivery attempt sequences.
type WebhookDeliveryRepository interface {
	CreateForJob(ctx context.Context, p CreateDeliveriesParams) ([]*model.WebhookDelivery, error)
	ClaimDue(ctx context.Context, p ClaimDueParams) ([]*model.WebhookDelivery, error)
	RecordAttempt(ctx context.Context, p RecordAttemptParams) (*model.WebhookDelivery, error)
	GetByID(ctx context.Context, id string) (*model.WebhookDelivery, error)
	ListByWebhook(
		ctx context.Context,
		webhookID string,
		opts model.DeliveryListOptions,
	) ([]*model.WebhookDelivery, error)
}

// IdempotencyCache is the optional fast path in front of the unique index.
// A miss or an error is never authoritative.
type IdempotencyCache interface {
	Lookup(ctx context.Context, tenantID, key string) (jobID string, found bool, err error)
	Remember(ctx context.Context, tenantID, key, jobID string) (bool, error)
	Forget(ctx context.Context, tenantID, key string) error
}
