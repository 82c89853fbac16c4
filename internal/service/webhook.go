package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/safefetch"
)

const (
	defaultWebhookPageSize = 50
	maxWebhookPageSize     = 500
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// WebhookServiceOptions groups dependencies for WebhookService.
type WebhookServiceOptions struct {
	Repo       core.WebhookRepository         // Required
	Deliveries core.WebhookDeliveryRepository // Optional: delivery log reads
	JMESPath   JMESPathEvaluator              // Optional: defaults to go-jmespath
	Logger     *slog.Logger                   // Optional
}

// WebhookService manages tenant webhooks. Secrets are accepted on create and never returned.
type WebhookService struct {
	repo       core.WebhookRepository
	deliveries core.WebhookDeliveryRepository
	jems       JMESPathEvaluator
	logger     *slog.Logger
}

// NewWebhookService constructs a WebhookService.
func NewWebhookService(opts WebhookServiceOptions) (*WebhookService, error) {
	if opts.Repo == nil {
		return nil, errors.New("WebhookRepository is required")
	}
	jems := opts.JMESPath
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		repo:       opts.Repo,
		deliveries: opts.Deliveries,
		jems:       jems,
		logger:     logger.With("component", "webhook_service"),
	}, nil
}

// Create registers a webhook.
func (s *WebhookService) Create(ctx context.Context, req *model.CreateWebhookRequest) (*model.Webhook, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}
	if err := s.checkTarget(req.TargetURL); err != nil {
		return nil, err
	}
	if err := s.checkExpression(req.PayloadExpression); err != nil {
		return nil, err
	}

	wh, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", toAppError(err))
	}
	s.logger.InfoContext(ctx, "webhook created",
		"webhook_id", wh.ID,
		"tenant_id", wh.TenantID,
		"host", hostOf(wh.TargetURL),
	)
	return wh, nil
}

// Get returns a tenant's webhook.
func (s *WebhookService) Get(ctx context.Context, id, tenantID string) (*model.Webhook, error) {
	wh, err := s.repo.GetByID(ctx, id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", id, toAppError(err))
	}
	return wh, nil
}

// List returns a tenant's webhooks.
func (s *WebhookService) List(ctx context.Context, tenantID string, limit, offset int) ([]*model.Webhook, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperrors.ValidationField("tenant_id", "tenant_id is required")
	}
	limit, offset = clampPage(limit, offset, defaultWebhookPageSize, maxWebhookPageSize)
	out, err := s.repo.List(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", toAppError(err))
	}
	return out, nil
}

// Update changes target_url, active or payload_expression. The secret cannot be changed.
func (s *WebhookService) Update(
	ctx context.Context,
	id, tenantID string,
	req *model.UpdateWebhookRequest,
) (*model.Webhook, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}
	if req.TargetURL != nil {
		if err := s.checkTarget(*req.TargetURL); err != nil {
			return nil, err
		}
	}
	if err := s.checkExpression(req.PayloadExpression); err != nil {
		return nil, err
	}

	wh, err := s.repo.Update(ctx, id, tenantID, req)
	if err != nil {
		return nil, fmt.Errorf("update webhook %s: %w", id, toAppError(err))
	}
	s.logger.InfoContext(ctx, "webhook updated", "webhook_id", wh.ID, "active", wh.Active)
	return wh, nil
}

// Delete removes a webhook. Its pending deliveries end as failed when next claimed.
func (s *WebhookService) Delete(ctx context.Context, id, tenantID string) error {
	deleted, err := s.repo.Delete(ctx, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete webhook %s: %w", id, toAppError(err))
	}
	if !deleted {
		return apperrors.NotFound("Webhook not found.")
	}
	s.logger.InfoContext(ctx, "webhook deleted", "webhook_id", id, "tenant_id", tenantID)
	return nil
}

// ListDeliveries returns the delivery log of a tenant's webhook, oldest first.
func (s *WebhookService) ListDeliveries(
	ctx context.Context,
	webhookID, tenantID string,
	opts model.DeliveryListOptions,
) ([]*model.WebhookDelivery, error) {
	if s.deliveries == nil {
		return nil, apperrors.Internal("delivery log is not configured")
	}
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid status %q", *opts.Status))
	}
	if _, err := s.Get(ctx, webhookID, tenantID); err != nil {
		return nil, err
	}
	opts.Limit, opts.Offset = clampPage(opts.Limit, opts.Offset, defaultWebhookPageSize, maxWebhookPageSize)

	out, err := s.deliveries.ListByWebhook(ctx, webhookID, opts)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for webhook %s: %w", webhookID, toAppError(err))
	}
	return out, nil
}

// checkTarget applies the fetch client's static URL checks. Address checks run
// at delivery time, against whatever the name resolves to then.
func (s *WebhookService) checkTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.ValidationField("target_url", "target_url must be a valid URL")
	}
	if err := safefetch.CheckURL(u); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "target_url is not an allowed destination")
	}
	return nil
}

func (s *WebhookService) checkExpression(expr *string) error {
	if expr == nil || *expr == "" {
		return nil
	}
	if err := s.jems.Validate(*expr); err != nil {
		e := apperrors.ValidationField("payload_expression", "payload_expression is not a valid JMESPath expression")
		e.Cause = err
		return e
	}
	return nil
}

func clampPage(limit, offset, def, maxLimit int) (int, int) {
	switch {
	case limit <= 0:
		limit = def
	case limit > maxLimit:
		limit = maxLimit
	}
	return limit, max(offset, 0)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
