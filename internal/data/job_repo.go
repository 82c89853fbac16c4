package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// JobsReadyChannel is the LISTEN/NOTIFY channel signalled whenever a job becomes claimable.
const JobsReadyChannel = "jobs_ready"

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 1000
	maxLastErrorLength  = 4096
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// Backoff computes run_after for transient failures. Zero value uses the defaults.
	Backoff domainjob.Backoff
}

// JobRepo is the durable job store. All lease coordination happens in the
// claim query and in the locked_by guard on every worker-side update.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = domainjob.NewBackoff(cfg.Backoff.Base, cfg.Backoff.Cap)
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

func (r *JobRepo) now() time.Time {
	return r.timeProvider.Now().UTC()
}

const jobColumns = `
  id,
  tenant_id,
  correlation_id,
  type,
  status,
  attempt,
  max_attempts,
  idempotency_key,
  payload,
  last_error,
  cancel_requested,
  queued_at,
  run_after,
  started_at,
  finished_at,
  locked_until,
  locked_by,
  updated_at
`

// jobColumnList mirrors jobColumns for the list query builder.
var jobColumnList = []string{
	"id", "tenant_id", "correlation_id", "type", "status", "attempt", "max_attempts",
	"idempotency_key", "payload", "last_error", "cancel_requested", "queued_at", "run_after",
	"started_at", "finished_at", "locked_until", "locked_by", "updated_at",
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload                           []byte
	lastError, lockedBy               sql.NullString
	startedAt, finishedAt, lockedTill sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.TenantID,
		&job.CorrelationID,
		&job.Type,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.IdempotencyKey,
		&d.payload,
		&d.lastError,
		&job.CancelRequested,
		&job.QueuedAt,
		&job.RunAfter,
		&d.startedAt,
		&d.finishedAt,
		&d.lockedTill,
		&d.lockedBy,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.LastError = cloneNullableString(d.lastError)
	job.LockedBy = cloneNullableString(d.lockedBy)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	job.LockedUntil = cloneNullableTime(d.lockedTill)
	job.QueuedAt = job.QueuedAt.UTC()
	job.RunAfter = job.RunAfter.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

// collectJobs drains rows into jobs.
func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
