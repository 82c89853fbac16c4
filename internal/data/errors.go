package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job does not exist (or belongs to another tenant).
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker-side mutation finds the job no longer
	// leased by the calling worker.
	ErrLeaseLost = errors.New("job lease lost")

	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")

	ErrJobIDRequired    = errors.New("job_id is required")
	ErrWorkerIDRequired = errors.New("worker_id is required")
	ErrTenantRequired   = errors.New("tenant_id is required")
)
