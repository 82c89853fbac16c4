package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProgressEventType classifies an entry in a job's timeline.
type ProgressEventType string

const (
	// ProgressStatusChanged records a job status transition.
	ProgressStatusChanged ProgressEventType = "status_changed"
	// ProgressStepStarted records the start of a handler step.
	ProgressStepStarted ProgressEventType = "step_started"
	// ProgressStepDone records the completion of a handler step.
	ProgressStepDone ProgressEventType = "step_done"
	// ProgressWarning records a non-fatal problem.
	ProgressWarning ProgressEventType = "warning"
	// ProgressError records a failed attempt.
	ProgressError ProgressEventType = "error"
	// ProgressMetric records a measurement.
	ProgressMetric ProgressEventType = "metric"
)

// MaxEventSkew bounds how far into the future a caller supplied event time may be.
const MaxEventSkew = 5 * time.Second

// Valid returns true for known event types.
func (t ProgressEventType) Valid() bool {
	switch t {
	case ProgressStatusChanged, ProgressStepStarted, ProgressStepDone,
		ProgressWarning, ProgressError, ProgressMetric:
		return true
	default:
		return false
	}
}

// ProgressEvent is one append-only entry of a job's timeline.
type ProgressEvent struct {
	ID            int64             `json:"id"                     db:"id"`
	JobID         string            `json:"job_id"                 db:"job_id"`
	CorrelationID string            `json:"correlation_id"         db:"correlation_id"`
	EventType     ProgressEventType `json:"event_type"             db:"event_type"`
	Message       string            `json:"message"                db:"message"`
	Data          json.RawMessage   `json:"data,omitempty"         db:"data"`
	ProgressPct   *int              `json:"progress_pct,omitempty" db:"progress_pct"`
	CreatedAt     time.Time         `json:"created_at"             db:"created_at"`
}

// NewProgressEvent is the input for appending an event. Message and Data are
// redacted by the store before they are written.
type NewProgressEvent struct {
	JobID         string
	CorrelationID string
	EventType     ProgressEventType
	Message       string
	Data          any
	ProgressPct   *int
	// OccurredAt is optional; it is clamped to the store clock plus MaxEventSkew.
	OccurredAt *time.Time
}

// Validate checks the event shape.
func (e *NewProgressEvent) Validate() error {
	if e.JobID == "" {
		return errors.New("job_id is required")
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("invalid event type %q", e.EventType)
	}
	if e.ProgressPct != nil && (*e.ProgressPct < 0 || *e.ProgressPct > 100) {
		return errors.New("progress_pct must be between 0 and 100")
	}
	return nil
}

// ProgressListOptions pages through a job's timeline. After is the last event id
// already seen, so a reader can resume where it stopped.
type ProgressListOptions struct {
	After int64
	Limit int
}

// ProgressPage is one page of a job's timeline.
type ProgressPage struct {
	Events    []ProgressEvent `json:"events"`
	NextAfter int64           `json:"next_after"`
	HasMore   bool            `json:"has_more"`
}
