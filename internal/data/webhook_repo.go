package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobqueue/internal/data/cryptoutil"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

const (
	defaultWebhookListLimit = 50
	maxWebhookListLimit     = 500
)

// WebhookRepo stores tenant webhooks. Secrets are sealed with the configured
// Encryptor and only ever opened by GetTarget on the delivery path.
type WebhookRepo struct {
	DB           *sql.DB
	enc          cryptoutil.Encryptor
	timeProvider TimeProvider
	logger       *slog.Logger
}

// WebhookRepoOptions configures a WebhookRepo.
type WebhookRepoOptions struct {
	Encryptor    cryptoutil.Encryptor
	TimeProvider TimeProvider
	Logger       *slog.Logger
}

// NewWebhookRepo creates a WebhookRepo. A nil Encryptor stores secrets with the noop encoding.
func NewWebhookRepo(db *sql.DB, opts WebhookRepoOptions) *WebhookRepo {
	enc := opts.Encryptor
	if enc == nil {
		enc = cryptoutil.NoopEncryptor{}
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRepo{
		DB:           db,
		enc:          enc,
		timeProvider: tp,
		logger:       logger.With("component", "webhook_repo"),
	}
}

const webhookColumns = `id, tenant_id, target_url, active, payload_expression, created_at, updated_at`

// Create registers a webhook. The request must already be normalized and validated.
func (r *WebhookRepo) Create(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error) {
	if req == nil {
		return nil, errors.New("create webhook request is required")
	}

	id := uuid.NewString()
	sealed, err := r.enc.Encrypt([]byte(req.Secret), []byte(id))
	if err != nil {
		return nil, fmt.Errorf("seal webhook secret: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	return r.queryOne(ctx, `
		INSERT INTO webhooks (id, tenant_id, target_url, secret_ciphertext, active, payload_expression, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+webhookColumns,
		id, req.TenantID, req.TargetURL, sealed, req.IsActive(), req.PayloadExpression, now)
}

// GetByID returns a tenant's webhook.
func (r *WebhookRepo) GetByID(ctx context.Context, id, tenantID string) (*model.Webhook, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrWebhookNotFound
	}
	return r.queryOne(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
}

// List returns a tenant's webhooks, oldest first.
func (r *WebhookRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]*model.Webhook, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if limit <= 0 {
		limit = defaultWebhookListLimit
	}
	limit = min(limit, maxWebhookListLimit)

	var out []*model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+webhookColumns+`
			FROM webhooks
			WHERE tenant_id = $1 AND deleted_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $2 OFFSET $3
		`, tenantID, limit, max(offset, 0))
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Webhook])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	if out == nil {
		out = []*model.Webhook{}
	}
	return out, nil
}

// Update changes the mutable fields of a tenant's webhook. An empty
// payload_expression clears it.
func (r *WebhookRepo) Update(
	ctx context.Context,
	id, tenantID string,
	req *model.UpdateWebhookRequest,
) (*model.Webhook, error) {
	if req == nil || !req.HasUpdates() {
		return nil, errors.New("at least one field must be updated")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrWebhookNotFound
	}

	setExpr := req.PayloadExpression != nil
	var expr *string
	if setExpr && *req.PayloadExpression != "" {
		expr = req.PayloadExpression
	}

	return r.queryOne(ctx, `
		UPDATE webhooks
		SET target_url = COALESCE($3, target_url),
		    active = COALESCE($4, active),
		    payload_expression = CASE WHEN $5 THEN $6 ELSE payload_expression END,
		    updated_at = $7
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		RETURNING `+webhookColumns,
		id, tenantID, req.TargetURL, req.Active, setExpr, expr, r.timeProvider.Now().UTC())
}

// Delete retires a tenant's webhook. The row stays behind, inactive and hidden
// from every read, so its delivery log survives and pending deliveries fail on
// their next attempt.
func (r *WebhookRepo) Delete(ctx context.Context, id, tenantID string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE webhooks
		SET active = FALSE, deleted_at = $3, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID, r.timeProvider.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("delete webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete webhook rows affected: %w", err)
	}
	return n > 0, nil
}

// GetTarget loads a webhook with its opened secret for signing a delivery.
func (r *WebhookRepo) GetTarget(ctx context.Context, id string) (*model.WebhookTarget, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrWebhookNotFound
	}

	var (
		target model.WebhookTarget
		sealed string
	)
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT id, tenant_id, target_url, active, payload_expression, created_at, updated_at, secret_ciphertext
			FROM webhooks WHERE id = $1 AND deleted_at IS NULL
		`, id).Scan(
			&target.ID, &target.TenantID, &target.TargetURL, &target.Active,
			&target.PayloadExpression, &target.CreatedAt, &target.UpdatedAt, &sealed,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook target: %w", err)
	}

	secret, err := r.enc.Decrypt(sealed, []byte(target.ID))
	if err != nil {
		r.logger.ErrorContext(ctx, "webhook secret could not be opened", "webhook_id", target.ID, "error", err)
		return nil, fmt.Errorf("open webhook secret: %w", err)
	}
	target.Secret = secret
	return &target, nil
}

func (r *WebhookRepo) queryOne(ctx context.Context, query string, args ...any) (*model.Webhook, error) {
	var out *model.Webhook
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Webhook])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhook query: %w", err)
	}
	return out, nil
}
