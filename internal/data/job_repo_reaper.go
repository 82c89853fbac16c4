package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// Advisory lock namespace for maintenance operations, taken with the two-key
// pg_try_advisory_xact_lock(major, minor) form so only one process reaps at a time.
const (
	advisoryLockReaperMajor            = 1000
	advisoryLockReaperExhaustedLeases  = 1
	advisoryLockReaperDeliveryRetainer = 2
)

const exhaustedLeaseError = "lease expired on final attempt"

// FailExhaustedLeases fails running jobs whose lease expired on their last
// attempt. Claim never reclaims those, so without this sweep they would stay
// running forever. Returns the jobs moved to failed.
func (r *JobRepo) FailExhaustedLeases(ctx context.Context, batchSize int) ([]*model.Job, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var failed []*model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			locked, err := tryReaperLock(ctx, tx, advisoryLockReaperExhaustedLeases)
			if err != nil || !locked {
				return err
			}

			now := r.now()
			rows, err := tx.Query(ctx, `
				SELECT `+jobColumns+`
				FROM jobs
				WHERE status = 'running'
				  AND locked_until < $1
				  AND attempt >= max_attempts
				ORDER BY locked_until
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			`, now, batchSize)
			if err != nil {
				return fmt.Errorf("select exhausted leases: %w", err)
			}
			stale, err := collectJobs(rows)
			if err != nil {
				return fmt.Errorf("collect exhausted leases: %w", err)
			}

			msg := exhaustedLeaseError
			for _, cur := range stale {
				if err := appendErrorEvent(ctx, tx, cur, msg); err != nil {
					return err
				}
				job, err := r.finish(ctx, tx, finishParams{
					job: cur, status: model.JobStatusFailed, now: now, lastError: &msg,
				})
				if err != nil {
					return err
				}
				failed = append(failed, job)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

func tryReaperLock(ctx context.Context, tx pgx.Tx, minor int32) (bool, error) {
	return pgxutil.TryAdvisoryXactLock(ctx, tx, advisoryLockReaperMajor, minor)
}
