package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/redact"
)

const idempotencyConstraint = "jobs_tenant_idempotency_key_uidx"

// Enqueue inserts a queued job and its initial status_changed event. A second
// submission with the same (tenant, idempotency key) returns the existing job
// with Duplicate set and writes nothing.
func (r *JobRepo) Enqueue(ctx context.Context, p core.EnqueueJobParams) (*model.EnqueueResult, error) {
	if err := validateEnqueueParams(&p); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := r.now()
	payload := []byte(p.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO jobs (id, tenant_id, correlation_id, type, status, attempt, max_attempts,
				                  idempotency_key, payload, queued_at, run_after, updated_at)
				VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7::jsonb, $8, $8, $8)
			`, id, p.TenantID, p.CorrelationID, p.Type, p.MaxAttempts, p.IdempotencyKey, payload, now); err != nil {
				return err
			}
			if err := appendEventTx(ctx, tx, model.NewProgressEvent{
				JobID:         id,
				CorrelationID: p.CorrelationID,
				EventType:     model.ProgressStatusChanged,
				Message:       string(model.JobStatusQueued),
				Data:          statusChange("", model.JobStatusQueued, 0),
			}); err != nil {
				return err
			}
			return notifyJobsReady(ctx, tx, p.Type)
		},
	})
	if isIdempotencyConflict(err) {
		existing, getErr := r.getByIdempotencyKey(ctx, p.TenantID, p.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("load duplicate job: %w", getErr)
		}
		return &model.EnqueueResult{JobID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return &model.EnqueueResult{JobID: id, Status: model.JobStatusQueued}, nil
}

func validateEnqueueParams(p *core.EnqueueJobParams) error {
	switch {
	case strings.TrimSpace(p.TenantID) == "":
		return ErrTenantRequired
	case !p.Type.Valid():
		return fmt.Errorf("invalid job type %q", p.Type)
	case p.IdempotencyKey == "":
		return errors.New("idempotency key is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = model.DefaultMaxAttempts
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}
	return nil
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == idempotencyConstraint
}

func notifyJobsReady(ctx context.Context, tx pgx.Tx, jobType model.JobType) error {
	return pgxutil.Notify(ctx, tx, JobsReadyChannel, string(jobType))
}

// claimSQL leases the oldest claimable job: queued work whose backoff has
// elapsed, or running work whose lease expired and that still has attempts left.
// SKIP LOCKED lets concurrent claimers pass over rows another claim is updating.
var claimSQL = `
  WITH cte AS (
    SELECT id, status AS prev_status
    FROM jobs
    WHERE ((status = 'queued' AND run_after <= $1)
        OR (status = 'running' AND locked_until < $1 AND attempt < max_attempts))
      AND (cardinality($4::text[]) = 0 OR type = ANY($4::text[]))
    ORDER BY queued_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    attempt = j.attempt + 1,
    locked_until = $2,
    locked_by = $3,
    started_at = COALESCE(j.started_at, $1),
    updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING cte.prev_status, ` + prefixedJobColumns

var prefixedJobColumns = prefixed("j", jobColumnList)

// Claim leases one job to p.WorkerID. It returns model.ErrNoJobsAvailable when
// nothing is claimable.
func (r *JobRepo) Claim(ctx context.Context, p core.ClaimParams) (*model.Job, error) {
	if p.WorkerID == "" {
		return nil, ErrWorkerIDRequired
	}
	if p.Lease <= 0 {
		return nil, errors.New("lease must be positive")
	}
	types := make([]string, 0, len(p.Types))
	for _, t := range p.Types {
		types = append(types, string(t))
	}

	var (
		job        *model.Job
		prevStatus model.JobStatus
	)
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.now()
			row := tx.QueryRow(ctx, claimSQL, now, now.Add(p.Lease), p.WorkerID, types)

			var data jobRowData
			j := &model.Job{}
			scanErr := data.scanInto(prependScan(row, &prevStatus), j)
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if scanErr != nil {
				return fmt.Errorf("claim job: %w", scanErr)
			}
			data.apply(j)
			job = j

			change := statusChange(prevStatus, model.JobStatusRunning, j.Attempt)
			change["worker_id"] = p.WorkerID
			return appendEventTx(ctx, tx, model.NewProgressEvent{
				JobID:         j.ID,
				CorrelationID: j.CorrelationID,
				EventType:     model.ProgressStatusChanged,
				Message:       string(model.JobStatusRunning),
				Data:          change,
			})
		},
	})
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, err
	}

	if prevStatus == model.JobStatusRunning {
		r.logger.WarnContext(ctx, "reclaimed job with expired lease",
			"job_id", job.ID,
			"worker_id", p.WorkerID,
			"attempt", job.Attempt,
		)
	}
	return job, nil
}

// prefixScanner scans a leading column before delegating to the job scanner.
type prefixScanner struct {
	row   pgx.Row
	first any
}

func prependScan(row pgx.Row, first any) jobRowScanner {
	return prefixScanner{row: row, first: first}
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.row.Scan(append([]any{p.first}, dest...)...)
}

// Heartbeat extends the lease while the job is still running under ref.WorkerID.
// Held is false once the lease has been lost.
func (r *JobRepo) Heartbeat(ctx context.Context, ref model.LeaseRef, lease time.Duration) (model.LeaseState, error) {
	if lease <= 0 {
		return model.LeaseState{}, errors.New("lease must be positive")
	}
	if _, err := uuid.Parse(ref.JobID); err != nil {
		return model.LeaseState{}, nil
	}

	now := r.now()
	var state model.LeaseState
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET locked_until = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'running' AND locked_by = $2
		RETURNING cancel_requested
	`, ref.JobID, ref.WorkerID, now.Add(lease), now).Scan(&state.CancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LeaseState{}, nil
	}
	if err != nil {
		return model.LeaseState{}, fmt.Errorf("heartbeat job: %w", err)
	}
	state.Held = true
	return state, nil
}

// Complete marks a leased job done.
func (r *JobRepo) Complete(ctx context.Context, ref model.LeaseRef) (*model.Job, error) {
	return r.transition(ctx, ref, func(tx pgx.Tx, cur *model.Job, now time.Time) (*model.Job, error) {
		return r.finish(ctx, tx, finishParams{
			job: cur, status: model.JobStatusDone, now: now,
		})
	})
}

// Retry records a transient failure. With attempts left the job is queued again
// with run_after pushed out by the backoff; otherwise it fails terminally.
func (r *JobRepo) Retry(ctx context.Context, p core.RetryParams) (*model.Job, error) {
	msg := redactError(p.Err)
	return r.transition(ctx, p.LeaseRef, func(tx pgx.Tx, cur *model.Job, now time.Time) (*model.Job, error) {
		if err := appendErrorEvent(ctx, tx, cur, msg); err != nil {
			return nil, err
		}
		if !cur.HasAttemptsLeft() {
			return r.finish(ctx, tx, finishParams{
				job: cur, status: model.JobStatusFailed, now: now, lastError: &msg,
			})
		}

		delay := r.cfg.Backoff.Delay(cur.Attempt)
		runAfter := now.Add(delay)
		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'queued',
			    run_after = $2,
			    last_error = $3,
			    locked_until = NULL,
			    locked_by = NULL,
			    updated_at = $4
			WHERE id = $1
			RETURNING `+jobColumns, cur.ID, runAfter, msg, now)
		job, err := scanJobFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("requeue job: %w", err)
		}

		change := statusChange(model.JobStatusRunning, model.JobStatusQueued, cur.Attempt)
		change["run_after"] = runAfter
		change["retry_in_seconds"] = int(delay.Seconds())
		if err := appendEventTx(ctx, tx, model.NewProgressEvent{
			JobID:         cur.ID,
			CorrelationID: cur.CorrelationID,
			EventType:     model.ProgressStatusChanged,
			Message:       string(model.JobStatusQueued),
			Data:          change,
		}); err != nil {
			return nil, err
		}
		return job, notifyJobsReady(ctx, tx, cur.Type)
	})
}

// FailPermanent marks a leased job failed regardless of remaining attempts.
func (r *JobRepo) FailPermanent(ctx context.Context, p core.FailParams) (*model.Job, error) {
	msg := redactError(p.Err)
	return r.transition(ctx, p.LeaseRef, func(tx pgx.Tx, cur *model.Job, now time.Time) (*model.Job, error) {
		if err := appendErrorEvent(ctx, tx, cur, msg); err != nil {
			return nil, err
		}
		return r.finish(ctx, tx, finishParams{
			job: cur, status: model.JobStatusFailed, now: now, lastError: &msg,
		})
	})
}

// MarkCanceled finishes a leased job whose cancellation was observed by its worker.
func (r *JobRepo) MarkCanceled(ctx context.Context, ref model.LeaseRef) (*model.Job, error) {
	return r.transition(ctx, ref, func(tx pgx.Tx, cur *model.Job, now time.Time) (*model.Job, error) {
		return r.finish(ctx, tx, finishParams{
			job: cur, status: model.JobStatusCanceled, now: now,
		})
	})
}

// Release hands a leased job back to the queue immediately, used on shutdown so
// another worker does not have to wait out the lease. The interrupted attempt
// is not counted.
func (r *JobRepo) Release(ctx context.Context, ref model.LeaseRef) (bool, error) {
	_, err := r.transition(ctx, ref, func(tx pgx.Tx, cur *model.Job, now time.Time) (*model.Job, error) {
		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'queued',
			    attempt = GREATEST(attempt - 1, 0),
			    run_after = $2,
			    locked_until = NULL,
			    locked_by = NULL,
			    updated_at = $2
			WHERE id = $1
			RETURNING `+jobColumns, cur.ID, now)
		job, err := scanJobFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("release job: %w", err)
		}
		change := statusChange(model.JobStatusRunning, model.JobStatusQueued, job.Attempt)
		change["released_by"] = ref.WorkerID
		if err := appendEventTx(ctx, tx, model.NewProgressEvent{
			JobID:         cur.ID,
			CorrelationID: cur.CorrelationID,
			EventType:     model.ProgressStatusChanged,
			Message:       "lease released",
			Data:          change,
		}); err != nil {
			return nil, err
		}
		return job, notifyJobsReady(ctx, tx, cur.Type)
	})
	if errors.Is(err, ErrLeaseLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RequestCancel cancels a job on behalf of its tenant. Queued jobs are canceled
// immediately; running jobs are flagged for their worker to observe. Terminal
// jobs are returned unchanged.
func (r *JobRepo) RequestCancel(ctx context.Context, jobID, tenantID string) (*model.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
				jobID, tenantID)
			cur, err := scanJobFromRow(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("load job: %w", err)
			}

			now := r.now()
			switch cur.Status {
			case model.JobStatusQueued:
				job, err = r.finish(ctx, tx, finishParams{
					job: cur, status: model.JobStatusCanceled, now: now, cancelRequested: true,
				})
				return err
			case model.JobStatusRunning:
				if cur.CancelRequested {
					job = cur
					return nil
				}
				row := tx.QueryRow(ctx, `
					UPDATE jobs SET cancel_requested = TRUE, updated_at = $2
					WHERE id = $1
					RETURNING `+jobColumns, cur.ID, now)
				if job, err = scanJobFromRow(row); err != nil {
					return fmt.Errorf("flag cancel: %w", err)
				}
				return nil
			default:
				job = cur
				return nil
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

type transitionFn func(tx pgx.Tx, cur *model.Job, now time.Time) (*model.Job, error)

// transition locks the job row, verifies ref still holds the lease and runs fn
// in the same transaction.
func (r *JobRepo) transition(ctx context.Context, ref model.LeaseRef, fn transitionFn) (*model.Job, error) {
	if ref.WorkerID == "" {
		return nil, ErrWorkerIDRequired
	}
	if _, err := uuid.Parse(ref.JobID); err != nil {
		return nil, ErrLeaseLost
	}

	var out *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, `
				SELECT `+jobColumns+`
				FROM jobs
				WHERE id = $1 AND status = 'running' AND locked_by = $2
				FOR UPDATE`, ref.JobID, ref.WorkerID)
			cur, err := scanJobFromRow(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLeaseLost
			}
			if err != nil {
				return fmt.Errorf("lock job: %w", err)
			}
			out, err = fn(tx, cur, r.now())
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type finishParams struct {
	job             *model.Job
	status          model.JobStatus
	now             time.Time
	lastError       *string
	cancelRequested bool
}

// finish moves a locked job into a terminal state and records the transition.
func (r *JobRepo) finish(ctx context.Context, tx pgx.Tx, p finishParams) (*model.Job, error) {
	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2,
		    finished_at = $3,
		    last_error = $4,
		    cancel_requested = cancel_requested OR $5,
		    locked_until = NULL,
		    locked_by = NULL,
		    updated_at = $3
		WHERE id = $1
		RETURNING `+jobColumns, p.job.ID, p.status, p.now, p.lastError, p.cancelRequested)
	job, err := scanJobFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("finish job as %s: %w", p.status, err)
	}

	if err := appendEventTx(ctx, tx, model.NewProgressEvent{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		EventType:     model.ProgressStatusChanged,
		Message:       string(p.status),
		Data:          statusChange(p.job.Status, p.status, job.Attempt),
	}); err != nil {
		return nil, err
	}
	return job, nil
}

func appendErrorEvent(ctx context.Context, tx pgx.Tx, job *model.Job, msg string) error {
	return appendEventTx(ctx, tx, model.NewProgressEvent{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		EventType:     model.ProgressError,
		Message:       msg,
		Data:          map[string]any{"attempt": job.Attempt, "max_attempts": job.MaxAttempts},
	})
}

func statusChange(from, to model.JobStatus, attempt int) map[string]any {
	m := map[string]any{"to": to, "attempt": attempt}
	if from != "" {
		m["from"] = from
	}
	return m
}

// redactError is the only path by which error text reaches last_error.
func redactError(msg string) string {
	msg = strings.TrimSpace(redact.String(msg))
	if msg == "" {
		msg = "unknown error"
	}
	return truncate(msg, maxLastErrorLength)
}
