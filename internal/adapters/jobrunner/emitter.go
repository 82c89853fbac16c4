package jobrunner

import (
	"context"
	"fmt"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// maxHistoryEvents bounds how much of a job's timeline History loads.
const maxHistoryEvents = 1000

// Emitter appends progress events for the job a handler is running. Every event is
// written under the worker's lease, so emitting after the lease is lost fails with
// data.ErrLeaseLost.
type Emitter interface {
	Emit(ctx context.Context, eventType model.ProgressEventType, message string, data any) error
	Progress(ctx context.Context, pct int, message string) error
	// Canceled re-reads the job's cancellation flag.
	Canceled(ctx context.Context) (bool, error)
	// History returns the events recorded by earlier attempts, oldest first, so a
	// handler can resume after its last step_done.
	History(ctx context.Context) ([]model.ProgressEvent, error)
}

type jobEmitter struct {
	job      *model.Job
	workerID string
	progress ProgressLog
	jobs     JobQueue
}

func newEmitter(job *model.Job, workerID string, progress ProgressLog, jobs JobQueue) *jobEmitter {
	return &jobEmitter{job: job, workerID: workerID, progress: progress, jobs: jobs}
}

func (e *jobEmitter) Emit(ctx context.Context, eventType model.ProgressEventType, message string, data any) error {
	return e.append(ctx, model.NewProgressEvent{
		EventType: eventType,
		Message:   message,
		Data:      data,
	})
}

func (e *jobEmitter) Progress(ctx context.Context, pct int, message string) error {
	pct = min(max(pct, 0), 100)
	return e.append(ctx, model.NewProgressEvent{
		EventType:   model.ProgressStepDone,
		Message:     message,
		ProgressPct: &pct,
	})
}

func (e *jobEmitter) append(ctx context.Context, ev model.NewProgressEvent) error {
	ev.JobID = e.job.ID
	ev.CorrelationID = e.job.CorrelationID
	if _, err := e.progress.Append(ctx, e.workerID, ev); err != nil {
		return err
	}
	return nil
}

func (e *jobEmitter) Canceled(ctx context.Context) (bool, error) {
	return e.jobs.CancelRequested(ctx, e.job.ID)
}

func (e *jobEmitter) History(ctx context.Context) ([]model.ProgressEvent, error) {
	var (
		out   []model.ProgressEvent
		after int64
	)
	for len(out) < maxHistoryEvents {
		page, err := e.progress.List(ctx, e.job.ID, "", model.ProgressListOptions{After: after})
		if err != nil {
			return nil, fmt.Errorf("load history for job %s: %w", e.job.ID, err)
		}
		out = append(out, page.Events...)
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
		after = page.NextAfter
	}
	if len(out) > maxHistoryEvents {
		out = out[:maxHistoryEvents]
	}
	return out, nil
}
