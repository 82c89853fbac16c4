// Package failurenotifier fans terminal job failures out to operator alert sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
	obserrors "github.com/target/mmk-jobqueue/internal/observability/errors"
	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// QuietClasses lists error classes that are logged but never alerted.
	// Nil selects DefaultQuietClasses.
	QuietClasses []string
}

// DefaultQuietClasses are failures caused by the submitted job rather than the
// system: SSRF policy rejections and cancellations.
var DefaultQuietClasses = []string{obserrors.ClassBlocked, obserrors.ClassCanceled}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
	quiet  map[string]struct{}
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	classes := opts.QuietClasses
	if classes == nil {
		classes = DefaultQuietClasses
	}
	quiet := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		quiet[c] = struct{}{}
	}

	return &Service{
		logger: logger,
		sinks:  sinks,
		quiet:  quiet,
	}
}

// PayloadForJob builds the alert for a job that ended in the failed state.
func PayloadForJob(job *model.Job, errorClass string) notify.JobFailurePayload {
	p := notify.JobFailurePayload{
		JobID:         job.ID,
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		JobType:       string(job.Type),
		Attempt:       job.Attempt,
		MaxAttempts:   job.MaxAttempts,
		ErrorClass:    errorClass,
		Severity:      notify.SeverityCritical,
		OccurredAt:    time.Now().UTC(),
	}
	if job.LastError != nil {
		p.Error = *job.LastError
	}
	if job.FinishedAt != nil {
		p.OccurredAt = job.FinishedAt.UTC()
	}
	if errorClass == obserrors.ClassTransient {
		p.Metadata = map[string]string{"reason": "retries_exhausted"}
	}
	return p
}

// NotifyJob alerts on a failed job unless its error class is quiet.
func (s *Service) NotifyJob(ctx context.Context, job *model.Job, errorClass string) {
	if s == nil || job == nil || job.Status != model.JobStatusFailed {
		return
	}
	if _, ok := s.quiet[errorClass]; ok {
		s.logger.DebugContext(ctx, "failure not alerted",
			"job_id", job.ID,
			"error_class", errorClass,
		)
		return
	}
	s.NotifyJobFailure(ctx, PayloadForJob(job, errorClass))
}

// NotifyJobFailure fan-outs the job failure payload to all sinks.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"tenant_id", payload.TenantID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
