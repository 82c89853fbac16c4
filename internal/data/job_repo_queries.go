package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/mmk-jobqueue/internal/data/database"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

func (r *JobRepo) getByIdempotencyKey(ctx context.Context, tenantID, key string) (*model.Job, error) {
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
}

func (r *JobRepo) getOne(ctx context.Context, query string, args ...any) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var scanErr error
		job, scanErr = scanJobFromRow(conn.QueryRow(ctx, query, args...))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns a tenant's jobs, newest first.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.TenantID == "" {
		return nil, ErrTenantRequired
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultJobListLimit
	}
	limit = min(limit, maxJobListLimit)

	queryOpts := []database.ListQueryOption{
		database.WithColumns(jobColumnList...),
		database.WithCondition(database.WhereCond("tenant_id", database.Equal, opts.TenantID)),
		database.WithOrderBy("queued_at", "DESC"),
		database.WithOrderBy("id", "DESC"),
		database.WithLimit(limit),
		database.WithOffset(max(opts.Offset, 0)),
	}
	if opts.Status != nil {
		queryOpts = append(queryOpts, database.WithCondition(
			database.WhereCond("status", database.Equal, string(*opts.Status)),
		))
	}
	if opts.Type != nil {
		queryOpts = append(queryOpts, database.WithCondition(
			database.WhereCond("type", database.Equal, string(*opts.Type)),
		))
	}
	query, args := database.BuildListQuery(database.NewListQueryOptions("jobs", queryOpts...))

	var out []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = collectJobs(rows)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if out == nil {
		out = []*model.Job{}
	}
	return out, nil
}

// Stats returns job counts per status, optionally scoped to a tenant.
func (r *JobRepo) Stats(ctx context.Context, tenantID string) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')   AS queued,
    count(*) FILTER (WHERE status = 'running')  AS running,
    count(*) FILTER (WHERE status = 'done')     AS done,
    count(*) FILTER (WHERE status = 'failed')   AS failed,
    count(*) FILTER (WHERE status = 'canceled') AS canceled
  FROM jobs
  WHERE $1::text = '' OR tenant_id = $1::text
  `, tenantID).Scan(
		&s.Queued,
		&s.Running,
		&s.Done,
		&s.Failed,
		&s.Canceled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}

// CancelRequested reports whether cancellation was requested for a job.
func (r *JobRepo) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return false, ErrJobNotFound
	}
	var requested bool
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&requested)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

// WaitForNotification blocks until a job becomes claimable or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{JobsReadyChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", JobsReadyChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
