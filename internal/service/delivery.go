package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/metrics"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/safefetch"
)

// DefaultDeliverySchedule is the wait after each failed attempt. A delivery gets
// one attempt more than the schedule has entries.
var DefaultDeliverySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
}

const defaultDeliveryTimeout = 10 * time.Second

// Poster sends a webhook request. *safefetch.Client implements it.
type Poster interface {
	Do(ctx context.Context, req safefetch.Request) (*safefetch.Response, error)
}

// Clock supplies the delivery clock. data.TimeProvider implementations satisfy it.
type Clock interface {
	Now() time.Time
}

// DeliveryServiceOptions groups dependencies for DeliveryService.
type DeliveryServiceOptions struct {
	Deliveries core.WebhookDeliveryRepository // Required
	Webhooks   core.WebhookRepository         // Required: targets and secrets
	Jobs       core.JobRepository             // Required: payload source
	Poster     Poster                         // Required: SSRF-safe client
	Schedule   []time.Duration                // Optional: defaults to DefaultDeliverySchedule
	// MaxAttempts defaults to len(Schedule)+1.
	MaxAttempts int
	Timeout     time.Duration     // Optional: per-POST deadline
	JMESPath    JMESPathEvaluator // Optional: defaults to go-jmespath
	Clock       Clock             // Optional: defaults to the system clock
	Metrics     statsd.Sink       // Optional
	Logger      *slog.Logger      // Optional
}

// DeliveryService fans terminal jobs out to webhooks and performs delivery attempts.
type DeliveryService struct {
	deliveries  core.WebhookDeliveryRepository
	webhooks    core.WebhookRepository
	jobs        core.JobRepository
	poster      Poster
	schedule    []time.Duration
	maxAttempts int
	timeout     time.Duration
	jems        JMESPathEvaluator
	clock       Clock
	metrics     statsd.Sink
	logger      *slog.Logger
}

// NewDeliveryService constructs a DeliveryService.
func NewDeliveryService(opts DeliveryServiceOptions) (*DeliveryService, error) {
	switch {
	case opts.Deliveries == nil:
		return nil, errors.New("WebhookDeliveryRepository is required")
	case opts.Webhooks == nil:
		return nil, errors.New("WebhookRepository is required")
	case opts.Jobs == nil:
		return nil, errors.New("JobRepository is required")
	case opts.Poster == nil:
		return nil, errors.New("Poster is required")
	}

	schedule := opts.Schedule
	if len(schedule) == 0 {
		schedule = DefaultDeliverySchedule
	}
	for _, d := range schedule {
		if d <= 0 {
			return nil, fmt.Errorf("delivery schedule entries must be positive, got %s", d)
		}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(schedule) + 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	jems := opts.JMESPath
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DeliveryService{
		deliveries:  opts.Deliveries,
		webhooks:    opts.Webhooks,
		jobs:        opts.Jobs,
		poster:      opts.Poster,
		schedule:    append([]time.Duration(nil), schedule...),
		maxAttempts: maxAttempts,
		timeout:     timeout,
		jems:        jems,
		clock:       clock,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "delivery_service"),
	}, nil
}

// ScheduleForJob creates one pending delivery per active webhook of the job's
// tenant, due now. Calling it again for the same job creates nothing.
func (s *DeliveryService) ScheduleForJob(ctx context.Context, job *model.Job) error {
	if job == nil || !job.Status.Terminal() {
		return nil
	}
	created, err := s.deliveries.CreateForJob(ctx, core.CreateDeliveriesParams{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		EventType:   EventTypeFor(job.Status),
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("schedule deliveries for job %s: %w", job.ID, err)
	}
	if len(created) > 0 {
		s.logger.DebugContext(ctx, "webhook deliveries scheduled",
			"job_id", job.ID,
			"status", job.Status,
			"count", len(created),
		)
	}
	return nil
}

// EventTypeFor names the webhook event for a terminal job status.
func EventTypeFor(status model.JobStatus) string {
	return "job." + string(status)
}

// ClaimDue locks due deliveries for the calling runner.
func (s *DeliveryService) ClaimDue(ctx context.Context, limit int, lock time.Duration) ([]*model.WebhookDelivery, error) {
	out, err := s.deliveries.ClaimDue(ctx, core.ClaimDueParams{Limit: limit, Lock: lock})
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	return out, nil
}

// NextAttemptDelay is the wait after the given failed attempt (1-based).
// The last schedule entry repeats if MaxAttempts outruns the schedule.
func (s *DeliveryService) NextAttemptDelay(attempt int) time.Duration {
	idx := min(max(attempt-1, 0), len(s.schedule)-1)
	return s.schedule[idx]
}

// attemptOutcome is the next state of a delivery after one POST.
type attemptOutcome struct {
	status model.DeliveryStatus
	code   *int
	err    string
	next   *time.Time
}

// Deliver performs one attempt for a claimed delivery and records its outcome.
func (s *DeliveryService) Deliver(ctx context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	if d == nil {
		return nil, errors.New("delivery is required")
	}

	target, err := s.webhooks.GetTarget(ctx, d.WebhookID)
	switch {
	case errors.Is(err, data.ErrWebhookNotFound):
		return s.record(ctx, d, attemptOutcome{status: model.DeliveryStatusFailed, err: "webhook deleted"})
	case err != nil:
		return nil, fmt.Errorf("load webhook %s: %w", d.WebhookID, err)
	case !target.Active:
		return s.record(ctx, d, attemptOutcome{status: model.DeliveryStatusFailed, err: "webhook deactivated"})
	}

	job, err := s.jobs.GetByID(ctx, d.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", d.JobID, err)
	}

	sentAt := s.clock.Now().UTC()
	body, err := s.buildBody(target, d, job, sentAt)
	if err != nil {
		return s.record(ctx, d, attemptOutcome{status: model.DeliveryStatusFailed, err: err.Error()})
	}

	start := time.Now()
	resp, postErr := s.post(ctx, target, d, body, sentAt)
	outcome := s.classify(d, resp, postErr)

	metrics.EmitDeliveryAttempt(s.metrics, metrics.DeliveryMetric{
		Status:     string(outcome.status),
		StatusCode: responseCode(resp),
		Duration:   time.Since(start),
		Err:        postErr,
	})
	return s.record(ctx, d, outcome)
}

func (s *DeliveryService) post(
	ctx context.Context,
	target *model.WebhookTarget,
	d *model.WebhookDelivery,
	body []byte,
	sentAt time.Time,
) (*safefetch.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderSignature, SignPayload(target.Secret, sentAt, body))
	header.Set(HeaderWebhookID, target.ID)
	header.Set(HeaderDelivery, d.ID)
	header.Set(HeaderEvent, d.EventType)

	return s.poster.Do(ctx, safefetch.Request{
		Method: http.MethodPost,
		URL:    target.TargetURL,
		Header: header,
		Body:   body,
	})
}

// classify maps one POST result to the delivery's next state: 2xx delivers, an
// SSRF rejection fails at once, anything else waits for the next scheduled attempt
// until attempts run out.
func (s *DeliveryService) classify(d *model.WebhookDelivery, resp *safefetch.Response, postErr error) attemptOutcome {
	var out attemptOutcome
	if resp != nil {
		code := resp.StatusCode
		out.code = &code
	}

	switch {
	case postErr == nil && resp.OK():
		out.status = model.DeliveryStatusDelivered
		return out
	case postErr != nil && safefetch.IsBlocked(postErr):
		out.status = model.DeliveryStatusFailed
		out.err = postErr.Error()
		return out
	case postErr != nil:
		out.err = postErr.Error()
	default:
		out.err = resp.Err().Error()
	}

	attempt := d.Attempt + 1
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	if attempt >= maxAttempts {
		out.status = model.DeliveryStatusExhausted
		return out
	}
	next := s.clock.Now().UTC().Add(s.NextAttemptDelay(attempt))
	out.status = model.DeliveryStatusPending
	out.next = &next
	return out
}

func (s *DeliveryService) record(
	ctx context.Context,
	d *model.WebhookDelivery,
	out attemptOutcome,
) (*model.WebhookDelivery, error) {
	updated, err := s.deliveries.RecordAttempt(ctx, core.RecordAttemptParams{
		DeliveryID:    d.ID,
		Status:        out.status,
		ResponseCode:  out.code,
		Err:           out.err,
		NextAttemptAt: out.next,
	})
	if err != nil {
		return nil, fmt.Errorf("record delivery attempt %s: %w", d.ID, err)
	}

	attrs := []any{
		"delivery_id", updated.ID,
		"webhook_id", updated.WebhookID,
		"job_id", updated.JobID,
		"attempt", updated.Attempt,
		"status", updated.Status,
	}
	switch updated.Status {
	case model.DeliveryStatusDelivered:
		s.logger.DebugContext(ctx, "webhook delivered", attrs...)
	case model.DeliveryStatusPending:
		s.logger.InfoContext(ctx, "webhook delivery attempt failed", append(attrs, "next_attempt_at", updated.NextAttemptAt)...)
	default:
		s.logger.WarnContext(ctx, "webhook delivery ended without success", append(attrs, "error", out.err)...)
	}
	return updated, nil
}

// buildBody renders the event document and applies the webhook's payload expression.
func (s *DeliveryService) buildBody(
	target *model.WebhookTarget,
	d *model.WebhookDelivery,
	job *model.Job,
	sentAt time.Time,
) ([]byte, error) {
	doc := EventDocument(d, job, sentAt)
	if target.PayloadExpression == nil || *target.PayloadExpression == "" {
		return json.Marshal(doc)
	}

	// JMESPath works on generic JSON values, so round-trip through encoding/json.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	shaped, err := s.jems.Evaluate(*target.PayloadExpression, generic)
	if err != nil {
		return nil, fmt.Errorf("payload_expression: %w", err)
	}
	out, err := json.Marshal(shaped)
	if err != nil {
		return nil, fmt.Errorf("encode shaped payload: %w", err)
	}
	return out, nil
}

// EventDocument is the default webhook body for a job outcome.
func EventDocument(d *model.WebhookDelivery, job *model.Job, sentAt time.Time) map[string]any {
	return map[string]any{
		"event":          d.EventType,
		"job_id":         job.ID,
		"tenant_id":      job.TenantID,
		"correlation_id": job.CorrelationID,
		"type":           job.Type,
		"status":         job.Status,
		"attempt":        job.Attempt,
		"last_error":     job.LastError,
		"finished_at":    job.FinishedAt,
		"delivered_at":   sentAt,
	}
}

func responseCode(resp *safefetch.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
