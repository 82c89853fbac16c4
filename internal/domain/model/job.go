// Package model defines the core data types shared by the job queue, progress log
// and webhook delivery subsystems.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobType names the handler that executes a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeFetch fetches a URL through the SSRF-safe client.
	JobTypeFetch JobType = "fetch"

	// JobStatusQueued indicates a job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker holds (or held) a lease on the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusDone indicates the job finished successfully.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed indicates the job failed permanently or ran out of attempts.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled indicates the job was canceled before it finished.
	JobStatusCanceled JobStatus = "canceled"
)

const (
	// DefaultMaxAttempts is used when a submission does not specify max_attempts.
	DefaultMaxAttempts = 3
	// MaxAllowedAttempts bounds caller supplied max_attempts.
	MaxAllowedAttempts = 25
	maxJobTypeLength   = 64
	maxTenantIDLength  = 128
)

var jobTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

// ErrNoJobsAvailable is returned when no jobs are available for claiming.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobType is a well-formed handler key.
func (t JobType) Valid() bool {
	return len(t) > 0 && len(t) <= maxJobTypeLength && jobTypePattern.MatchString(string(t))
}

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition follows s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCanceled
}

// Job represents a queued unit of work with its lease and retry state.
type Job struct {
	ID              string          `json:"id"                        db:"id"`
	TenantID        string          `json:"tenant_id"                 db:"tenant_id"`
	CorrelationID   string          `json:"correlation_id"            db:"correlation_id"`
	Type            JobType         `json:"type"                      db:"type"`
	Status          JobStatus       `json:"status"                    db:"status"`
	Attempt         int             `json:"attempt"                   db:"attempt"`
	MaxAttempts     int             `json:"max_attempts"              db:"max_attempts"`
	IdempotencyKey  string          `json:"idempotency_key"           db:"idempotency_key"`
	Payload         json.RawMessage `json:"payload"                   db:"payload"`
	LastError       *string         `json:"last_error,omitempty"      db:"last_error"`
	CancelRequested bool            `json:"cancel_requested"          db:"cancel_requested"`
	QueuedAt        time.Time       `json:"queued_at"                 db:"queued_at"`
	RunAfter        time.Time       `json:"run_after"                 db:"run_after"`
	StartedAt       *time.Time      `json:"started_at,omitempty"      db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"     db:"finished_at"`
	LockedUntil     *time.Time      `json:"locked_until,omitempty"    db:"locked_until"`
	LockedBy        *string         `json:"locked_by,omitempty"       db:"locked_by"`
	UpdatedAt       time.Time       `json:"updated_at"                db:"updated_at"`
}

// HasAttemptsLeft reports whether a transient failure of the current attempt may be retried.
func (j *Job) HasAttemptsLeft() bool {
	return j != nil && j.Attempt < j.MaxAttempts
}

// EnqueueRequest is the submission boundary input.
type EnqueueRequest struct {
	TenantID      string          `json:"tenant_id"`
	Type          JobType         `json:"type"`
	Resource      string          `json:"resource"`
	Options       map[string]any  `json:"options,omitempty"`
	RecipeVersion string          `json:"recipe_version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Normalize trims fields and fills defaults.
func (r *EnqueueRequest) Normalize() {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Type = JobType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	if r.Type == "" {
		r.Type = JobTypeFetch
	}
	r.Resource = strings.TrimSpace(r.Resource)
	r.RecipeVersion = strings.TrimSpace(r.RecipeVersion)
	r.CorrelationID = strings.TrimSpace(r.CorrelationID)
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks the request after Normalize.
func (r *EnqueueRequest) Validate() error {
	if r.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if len(r.TenantID) > maxTenantIDLength {
		return fmt.Errorf("tenant_id must be at most %d characters", maxTenantIDLength)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("invalid job type %q", r.Type)
	}
	if r.Resource == "" {
		return errors.New("resource is required")
	}
	if r.RecipeVersion == "" {
		return errors.New("recipe_version is required")
	}
	if r.MaxAttempts < 1 || r.MaxAttempts > MaxAllowedAttempts {
		return fmt.Errorf("max_attempts must be between 1 and %d", MaxAllowedAttempts)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// EnqueueResult is returned by the submission boundary.
type EnqueueResult struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Duplicate bool      `json:"duplicate"`
}

// JobStats represents counts of jobs per status.
type JobStats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
}

// JobListOptions filters job listings.
type JobListOptions struct {
	TenantID string
	Status   *JobStatus
	Type     *JobType
	Limit    int
	Offset   int
}

// LeaseRef identifies a job together with the worker that claimed it. Every
// worker-side mutation is conditional on the job still being leased by WorkerID.
type LeaseRef struct {
	JobID    string
	WorkerID string
}

// LeaseState is the outcome of a heartbeat.
type LeaseState struct {
	// Held is false once another worker reclaimed the job or it left the running state.
	Held bool
	// CancelRequested mirrors the job's cooperative cancellation flag.
	CancelRequested bool
}
