// Package workflowtest wires the job queue end to end against a real database:
// submission, a worker pool running the fetch handler, the progress log and
// webhook delivery to a local receiver.
//
// Packages under internal/service and internal/data must not import it from
// their in-package tests; it depends on both.
package workflowtest

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/adapters/jobrunner"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/safefetch"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

// WorkflowTestOptions configures the workflow test harness.
//
//nolint:revive // WorkflowTestOptions is intentionally verbose for clarity in test code.
type WorkflowTestOptions struct {
	// EnableRedis backs idempotency lookups with the test Redis instance.
	EnableRedis bool
	// JobLease sets the lease requested per claim.
	JobLease time.Duration
	// DeliverySchedule overrides the webhook retry delays.
	DeliverySchedule []time.Duration
	// Concurrency sets the worker pool size.
	Concurrency int
}

// DefaultWorkflowOptions returns default options for workflow testing.
func DefaultWorkflowOptions() WorkflowTestOptions {
	return WorkflowTestOptions{
		JobLease:         30 * time.Second,
		DeliverySchedule: []time.Duration{time.Second, 2 * time.Second},
		Concurrency:      2,
	}
}

// RedisWorkflowOptions returns options for workflow testing with Redis enabled.
func RedisWorkflowOptions() WorkflowTestOptions {
	opts := DefaultWorkflowOptions()
	opts.EnableRedis = true
	return opts
}

// ReceivedWebhook is one request captured by the harness webhook receiver.
type ReceivedWebhook struct {
	Header http.Header
	Body   []byte
}

// WorkflowTestHarness provides utilities for end-to-end workflow testing.
//
//nolint:revive // WorkflowTestHarness is intentionally verbose for clarity in test code.
type WorkflowTestHarness struct {
	t    testutil.TestingTB
	db   *sql.DB
	opts WorkflowTestOptions

	JobRepo      *data.JobRepo
	DeliveryRepo *data.WebhookDeliveryRepo

	Jobs       *service.JobService
	Progress   *service.ProgressService
	Webhooks   *service.WebhookService
	Deliveries *service.DeliveryService
	Reaper     *service.ReaperService
	Registry   *jobrunner.Registry
	Fetcher    *safefetch.Client

	RedisClient *redis.Client

	// Origin serves the URLs fetch jobs point at.
	Origin *httptest.Server
	// Receiver collects webhook posts.
	Receiver *httptest.Server

	mu       sync.Mutex
	received []ReceivedWebhook
	status   int
}

// NewWorkflowTestHarness builds the services on db. The outbound client only
// exempts loopback, so the local servers are reachable and nothing else is.
func NewWorkflowTestHarness(t testutil.TestingTB, db *sql.DB, opts WorkflowTestOptions) *WorkflowTestHarness {
	t.Helper()
	if opts.JobLease <= 0 {
		opts.JobLease = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	h := &WorkflowTestHarness{t: t, db: db, opts: opts, status: http.StatusOK}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.Origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello from origin")
	}))
	h.Receiver = httptest.NewServer(http.HandlerFunc(h.receive))

	allowed, err := safefetch.ParsePrefixes([]string{"127.0.0.0/8", "::1/128"})
	if err != nil {
		t.Fatalf("parse loopback prefixes: %v", err)
	}
	h.Fetcher = safefetch.New(safefetch.Options{
		Policy:         safefetch.Policy{Allowed: allowed},
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		Logger:         logger,
	})

	h.JobRepo = data.NewJobRepo(db, data.RepoConfig{
		Logger:  logger,
		Backoff: domainjob.NewBackoff(10*time.Millisecond, 50*time.Millisecond),
	})
	h.DeliveryRepo = data.NewWebhookDeliveryRepo(db, nil, logger)
	webhookRepo := data.NewWebhookRepo(db, data.WebhookRepoOptions{Logger: logger})

	var cache core.IdempotencyCache
	if opts.EnableRedis {
		h.RedisClient = testutil.SetupTestRedis(t)
		cache = data.NewIdempotencyCache(h.RedisClient, time.Minute)
	}

	h.Jobs = mustBuild[*service.JobService](t, "job service")(service.NewJobService(service.JobServiceOptions{
		Repo:         h.JobRepo,
		Leases:       h.JobRepo,
		Cache:        cache,
		DefaultLease: opts.JobLease,
		Logger:       logger,
	}))
	h.Progress = mustBuild[*service.ProgressService](t, "progress service")(service.NewProgressService(service.ProgressServiceOptions{
		Events: data.NewProgressEventRepo(db, logger),
		Jobs:   h.JobRepo,
		Logger: logger,
	}))
	h.Webhooks = mustBuild[*service.WebhookService](t, "webhook service")(service.NewWebhookService(service.WebhookServiceOptions{
		Repo:       webhookRepo,
		Deliveries: h.DeliveryRepo,
		Logger:     logger,
	}))
	h.Deliveries = mustBuild[*service.DeliveryService](t, "delivery service")(service.NewDeliveryService(service.DeliveryServiceOptions{
		Deliveries: h.DeliveryRepo,
		Webhooks:   webhookRepo,
		Jobs:       h.JobRepo,
		Poster:     h.Fetcher,
		Schedule:   opts.DeliverySchedule,
		Timeout:    5 * time.Second,
		Logger:     logger,
	}))
	h.Jobs.SetOutcomeScheduler(h.Deliveries)
	h.Reaper = mustBuild[*service.ReaperService](t, "reaper service")(service.NewReaperService(service.ReaperServiceOptions{
		Leases:     h.JobRepo,
		Deliveries: h.DeliveryRepo,
		Outcomes:   h.Deliveries,
		Config:     config.ReaperConfig{Interval: time.Minute, BatchSize: 100},
		Logger:     logger,
	}))

	h.Registry = jobrunner.NewRegistry()
	h.Registry.MustRegister(model.JobTypeFetch, jobrunner.FetchHandler(h.Fetcher))
	return h
}

func mustBuild[T any](t testutil.TestingTB, name string) func(T, error) T {
	return func(v T, err error) T {
		t.Helper()
		if err != nil {
			t.Fatalf("build %s: %v", name, err)
		}
		return v
	}
}

func (h *WorkflowTestHarness) receive(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.received = append(h.received, ReceivedWebhook{Header: r.Header.Clone(), Body: body})
	status := h.status
	h.mu.Unlock()
	w.WriteHeader(status)
}

// SetReceiverStatus changes the status code the webhook receiver answers with.
func (h *WorkflowTestHarness) SetReceiverStatus(code int) {
	h.mu.Lock()
	h.status = code
	h.mu.Unlock()
}

// Received returns a copy of the webhook requests captured so far.
func (h *WorkflowTestHarness) Received() []ReceivedWebhook {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ReceivedWebhook(nil), h.received...)
}

// Close releases the harness servers and notifier.
func (h *WorkflowTestHarness) Close() {
	h.Jobs.StopNotifications()
	h.Origin.Close()
	h.Receiver.Close()
}

// OriginURL returns a URL on the origin server.
func (h *WorkflowTestHarness) OriginURL(path string) string {
	return h.Origin.URL + path
}

// CreateWebhook registers the harness receiver for tenantID.
func (h *WorkflowTestHarness) CreateWebhook(tenantID, secret string) *model.Webhook {
	h.t.Helper()
	wh, err := h.Webhooks.Create(context.Background(), &model.CreateWebhookRequest{
		TenantID:  tenantID,
		TargetURL: h.Receiver.URL + "/hook",
		Secret:    secret,
	})
	if err != nil {
		h.t.Fatalf("create webhook: %v", err)
	}
	return wh
}

// Enqueue submits req and fails the test on error.
func (h *WorkflowTestHarness) Enqueue(req *model.EnqueueRequest) *model.EnqueueResult {
	h.t.Helper()
	res, err := h.Jobs.Enqueue(context.Background(), req)
	if err != nil {
		h.t.Fatalf("enqueue: %v", err)
	}
	return res
}

// RunWorkersUntil runs a worker pool until done returns true or timeout
// elapses, then shuts the pool down. It reports whether done was satisfied.
func (h *WorkflowTestHarness) RunWorkersUntil(timeout time.Duration, done func() bool) bool {
	h.t.Helper()
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:          h.Jobs,
		Progress:      h.Progress,
		Registry:      h.Registry,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Lease:         h.opts.JobLease,
		Concurrency:   h.opts.Concurrency,
		PollInterval:  50 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
		WorkerID:      "workflow",
		LeaseSweeper:  h.Reaper,
		SweepInterval: 100 * time.Millisecond,
	})
	if err != nil {
		h.t.Fatalf("build runner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- runner.Run(ctx) }()

	ok := poll(timeout, done)
	cancel()
	if err := <-finished; err != nil {
		h.t.Logf("runner stopped: %v", err)
	}
	return ok
}

// WaitForStatus runs workers until the job reaches status.
func (h *WorkflowTestHarness) WaitForStatus(jobID, tenantID string, status model.JobStatus, timeout time.Duration) *model.Job {
	h.t.Helper()
	var last *model.Job
	ok := h.RunWorkersUntil(timeout, func() bool {
		job, err := h.Jobs.Get(context.Background(), jobID, tenantID)
		if err != nil {
			return false
		}
		last = job
		return job.Status == status
	})
	if !ok {
		got := model.JobStatus("")
		if last != nil {
			got = last.Status
		}
		testutil.LogJobStates(h.t, h.db, "job did not reach status")
		h.t.Fatalf("job %s: want status %s, last saw %q", jobID, status, got)
	}
	return last
}

// DeliverDue claims due deliveries and attempts each once. It returns the
// updated deliveries.
func (h *WorkflowTestHarness) DeliverDue(limit int) []*model.WebhookDelivery {
	h.t.Helper()
	ctx := context.Background()
	due, err := h.Deliveries.ClaimDue(ctx, limit, 30*time.Second)
	if err != nil {
		h.t.Fatalf("claim due deliveries: %v", err)
	}
	out := make([]*model.WebhookDelivery, 0, len(due))
	for _, d := range due {
		updated, err := h.Deliveries.Deliver(ctx, d)
		if err != nil {
			h.t.Fatalf("deliver %s: %v", d.ID, err)
		}
		out = append(out, updated)
	}
	return out
}

// Timeline returns every progress event of a job.
func (h *WorkflowTestHarness) Timeline(jobID, tenantID string) []model.ProgressEvent {
	h.t.Helper()
	var events []model.ProgressEvent
	var after int64
	for {
		page, err := h.Progress.List(context.Background(), jobID, tenantID, model.ProgressListOptions{After: after})
		if err != nil {
			h.t.Fatalf("list progress: %v", err)
		}
		events = append(events, page.Events...)
		if !page.HasMore {
			return events
		}
		after = page.NextAfter
	}
}

func poll(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if done() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// WithWorkflowHarness is a helper that sets up and tears down a workflow test harness.
func WithWorkflowHarness(t testutil.TestingTB, opts WorkflowTestOptions, fn func(*WorkflowTestHarness)) {
	t.Helper()

	testutil.SkipIfNoTestDB(t)
	if opts.EnableRedis {
		if _, ok := testutil.GetTestRedisAddr(t); !ok {
			t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
		}
	}

	testutil.WithAutoDB(t, func(db *sql.DB) {
		harness := NewWorkflowTestHarness(t, db, opts)
		defer harness.Close()
		fn(harness)
	})
}
