// Package mocks provides mock implementations of the repository ports in internal/core.
//
// This package uses go.uber.org/mock (gomock). To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(result, nil)
package mocks

// Submission and query side of the job store: Enqueue, GetByID, List, Stats, RequestCancel.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/mmk-jobqueue/internal/core JobRepository

// Worker side of the job store: Claim, Heartbeat and the lease guarded transitions.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_lease_repository_mock.go github.com/target/mmk-jobqueue/internal/core JobLeaseRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=progress_event_repository_mock.go github.com/target/mmk-jobqueue/internal/core ProgressEventRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=webhook_repository_mock.go github.com/target/mmk-jobqueue/internal/core WebhookRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=webhook_delivery_repository_mock.go github.com/target/mmk-jobqueue/internal/core WebhookDeliveryRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=idempotency_cache_mock.go github.com/target/mmk-jobqueue/internal/core IdempotencyCache
