package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data/database"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/redact"
)

const (
	defaultDeliveryListLimit = 100
	maxDeliveryListLimit     = 1000
)

// WebhookDeliveryRepo stores one row per (webhook, job) delivery sequence.
type WebhookDeliveryRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewWebhookDeliveryRepo creates a WebhookDeliveryRepo.
func NewWebhookDeliveryRepo(db *sql.DB, tp TimeProvider, logger *slog.Logger) *WebhookDeliveryRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDeliveryRepo{DB: db, timeProvider: tp, logger: logger.With("component", "webhook_delivery_repo")}
}

var deliveryColumnList = []string{
	"id", "webhook_id", "job_id", "tenant_id", "event_type", "attempt", "max_attempts", "status",
	"next_attempt_at", "last_response_code", "last_error", "locked_until", "delivered_at",
	"created_at", "updated_at",
}

const deliveryColumns = `id, webhook_id, job_id, tenant_id, event_type, attempt, max_attempts, status,
  next_attempt_at, last_response_code, last_error, locked_until, delivered_at, created_at, updated_at`

// CreateForJob inserts a pending delivery for every active webhook of the job's
// tenant, due immediately. Rows that already exist are left alone, so calling it
// again for the same job creates nothing.
func (r *WebhookDeliveryRepo) CreateForJob(
	ctx context.Context,
	p core.CreateDeliveriesParams,
) ([]*model.WebhookDelivery, error) {
	if p.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if _, err := uuid.Parse(p.JobID); err != nil {
		return nil, ErrJobNotFound
	}
	if p.MaxAttempts < 1 {
		return nil, errors.New("max attempts must be positive")
	}

	now := r.timeProvider.Now().UTC()
	return r.queryMany(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, job_id, tenant_id, event_type, attempt, max_attempts,
		                                status, next_attempt_at, created_at, updated_at)
		SELECT gen_random_uuid(), w.id, $1, w.tenant_id, $3, 0, $4, 'pending', $5, $5, $5
		FROM webhooks w
		WHERE w.tenant_id = $2 AND w.active AND w.deleted_at IS NULL
		ORDER BY w.created_at, w.id
		ON CONFLICT (webhook_id, job_id) DO NOTHING
		RETURNING `+deliveryColumns,
		p.JobID, p.TenantID, p.EventType, p.MaxAttempts, now)
}

// ClaimDue locks up to Limit due deliveries for the calling worker. A worker
// that dies mid-attempt only hides its rows until Lock elapses.
func (r *WebhookDeliveryRepo) ClaimDue(ctx context.Context, p core.ClaimDueParams) ([]*model.WebhookDelivery, error) {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Lock <= 0 {
		return nil, errors.New("lock must be positive")
	}

	now := r.timeProvider.Now().UTC()
	return r.queryMany(ctx, `
		WITH due AS (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending'
			  AND next_attempt_at <= $1
			  AND (locked_until IS NULL OR locked_until < $1)
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_deliveries d
		SET locked_until = $3, updated_at = $1
		FROM due
		WHERE d.id = due.id
		RETURNING `+prefixed("d", deliveryColumnList),
		now, p.Limit, now.Add(p.Lock))
}

// RecordAttempt counts one attempt and moves the delivery to its next state.
// Only pending deliveries are updated.
func (r *WebhookDeliveryRepo) RecordAttempt(ctx context.Context, p core.RecordAttemptParams) (*model.WebhookDelivery, error) {
	if !p.Status.Valid() {
		return nil, fmt.Errorf("invalid delivery status %q", p.Status)
	}
	if p.Status == model.DeliveryStatusPending && p.NextAttemptAt == nil {
		return nil, errors.New("pending delivery requires next attempt time")
	}
	if _, err := uuid.Parse(p.DeliveryID); err != nil {
		return nil, ErrDeliveryNotFound
	}

	var lastErr *string
	if p.Err != "" {
		msg := truncate(redact.String(p.Err), maxLastErrorLength)
		lastErr = &msg
	}
	var next *time.Time
	if p.Status == model.DeliveryStatusPending {
		t := p.NextAttemptAt.UTC()
		next = &t
	}

	now := r.timeProvider.Now().UTC()
	out, err := r.queryMany(ctx, `
		UPDATE webhook_deliveries
		SET attempt = attempt + 1,
		    status = $2,
		    last_response_code = $3,
		    last_error = $4,
		    next_attempt_at = $5,
		    locked_until = NULL,
		    delivered_at = CASE WHEN $2 = 'delivered' THEN $6::timestamptz ELSE delivered_at END,
		    updated_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING `+deliveryColumns,
		p.DeliveryID, string(p.Status), p.ResponseCode, lastErr, next, now)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrDeliveryNotFound
	}
	return out[0], nil
}

// GetByID returns a delivery.
func (r *WebhookDeliveryRepo) GetByID(ctx context.Context, id string) (*model.WebhookDelivery, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrDeliveryNotFound
	}
	out, err := r.queryMany(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrDeliveryNotFound
	}
	return out[0], nil
}

// ListByWebhook returns a webhook's delivery log ordered by creation.
func (r *WebhookDeliveryRepo) ListByWebhook(
	ctx context.Context,
	webhookID string,
	opts model.DeliveryListOptions,
) ([]*model.WebhookDelivery, error) {
	if _, err := uuid.Parse(webhookID); err != nil {
		return []*model.WebhookDelivery{}, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultDeliveryListLimit
	}
	limit = min(limit, maxDeliveryListLimit)

	queryOpts := []database.ListQueryOption{
		database.WithColumns(deliveryColumnList...),
		database.WithCondition(database.WhereCond("webhook_id", database.Equal, webhookID)),
		database.WithOrderBy("created_at", "ASC"),
		database.WithOrderBy("id", "ASC"),
		database.WithLimit(limit),
		database.WithOffset(max(opts.Offset, 0)),
	}
	if opts.Status != nil {
		queryOpts = append(queryOpts, database.WithCondition(
			database.WhereCond("status", database.Equal, string(*opts.Status)),
		))
	}
	if opts.JobID != "" {
		if _, err := uuid.Parse(opts.JobID); err != nil {
			return []*model.WebhookDelivery{}, nil
		}
		queryOpts = append(queryOpts, database.WithCondition(
			database.WhereCond("job_id", database.Equal, opts.JobID),
		))
	}
	query, args := database.BuildListQuery(database.NewListQueryOptions("webhook_deliveries", queryOpts...))
	return r.queryMany(ctx, query, args...)
}

// DeleteTerminalBefore removes finished deliveries last updated before cutoff.
// Concurrent reapers skip the work rather than contend.
func (r *WebhookDeliveryRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var deleted int64
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			locked, err := tryReaperLock(ctx, tx, advisoryLockReaperDeliveryRetainer)
			if err != nil || !locked {
				return err
			}
			tag, err := tx.Exec(ctx, `
				DELETE FROM webhook_deliveries
				WHERE id IN (
					SELECT id FROM webhook_deliveries
					WHERE status IN ('delivered', 'failed', 'exhausted')
					  AND updated_at < $1
					ORDER BY updated_at
					LIMIT $2
				)
			`, cutoff.UTC(), batchSize)
			if err != nil {
				return fmt.Errorf("delete old deliveries: %w", err)
			}
			deleted = tag.RowsAffected()
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (r *WebhookDeliveryRepo) queryMany(ctx context.Context, query string, args ...any) ([]*model.WebhookDelivery, error) {
	var out []*model.WebhookDelivery
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.WebhookDelivery])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("webhook delivery query: %w", err)
	}
	if out == nil {
		out = []*model.WebhookDelivery{}
	}
	return out, nil
}

// prefixed qualifies column names with a table alias for RETURNING clauses of UPDATE ... FROM.
func prefixed(alias string, cols []string) string {
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = alias + "." + c
	}
	return strings.Join(qualified, ", ")
}
