package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTargetURLLen      = 2048
	minWebhookSecretLen  = 16
	maxWebhookSecretLen  = 256
	maxPayloadExprLength = 4096
)

// Webhook is a tenant-registered notification target. The signing secret is
// write-only: it is never serialized and is not populated by read paths.
type Webhook struct {
	ID                string    `json:"id"                           db:"id"`
	TenantID          string    `json:"tenant_id"                    db:"tenant_id"`
	TargetURL         string    `json:"target_url"                   db:"target_url"`
	Active            bool      `json:"active"                       db:"active"`
	PayloadExpression *string   `json:"payload_expression,omitempty" db:"payload_expression"`
	CreatedAt         time.Time `json:"created_at"                   db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"                   db:"updated_at"`
}

// WebhookTarget is the delivery-time view of a webhook including its decrypted secret.
// It never leaves the delivery path.
type WebhookTarget struct {
	Webhook
	Secret []byte `json:"-"`
}

// CreateWebhookRequest registers a new webhook.
type CreateWebhookRequest struct {
	TenantID          string  `json:"tenant_id"`
	TargetURL         string  `json:"target_url"`
	Secret            string  `json:"secret"`
	Active            *bool   `json:"active,omitempty"`
	PayloadExpression *string `json:"payload_expression,omitempty"`
}

// UpdateWebhookRequest changes mutable webhook fields. The secret is write-once
// and cannot be updated; rotate by creating a new webhook.
type UpdateWebhookRequest struct {
	TargetURL         *string `json:"target_url,omitempty"`
	Active            *bool   `json:"active,omitempty"`
	PayloadExpression *string `json:"payload_expression,omitempty"`
}

// Normalize trims the request fields.
func (r *CreateWebhookRequest) Normalize() {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.TargetURL = strings.TrimSpace(r.TargetURL)
	if r.PayloadExpression != nil {
		e := strings.TrimSpace(*r.PayloadExpression)
		if e == "" {
			r.PayloadExpression = nil
		} else {
			r.PayloadExpression = &e
		}
	}
}

// Validate validates the CreateWebhookRequest fields.
func (r *CreateWebhookRequest) Validate() error {
	if r.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if len(r.TenantID) > maxTenantIDLength {
		return fmt.Errorf("tenant_id must be at most %d characters", maxTenantIDLength)
	}
	if err := ValidateTargetURL(r.TargetURL); err != nil {
		return err
	}
	n := len(r.Secret)
	if n < minWebhookSecretLen || n > maxWebhookSecretLen {
		return fmt.Errorf("secret must be between %d and %d bytes", minWebhookSecretLen, maxWebhookSecretLen)
	}
	return validatePayloadExpression(r.PayloadExpression)
}

// IsActive returns the requested active flag, defaulting to true.
func (r *CreateWebhookRequest) IsActive() bool {
	return r.Active == nil || *r.Active
}

// Normalize trims the request fields.
func (r *UpdateWebhookRequest) Normalize() {
	if r.TargetURL != nil {
		u := strings.TrimSpace(*r.TargetURL)
		r.TargetURL = &u
	}
	if r.PayloadExpression != nil {
		e := strings.TrimSpace(*r.PayloadExpression)
		r.PayloadExpression = &e
	}
}

// Validate validates the UpdateWebhookRequest and ensures something changes.
// An empty payload_expression clears the expression.
func (r *UpdateWebhookRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.TargetURL != nil {
		if err := ValidateTargetURL(*r.TargetURL); err != nil {
			return err
		}
	}
	if r.PayloadExpression != nil && *r.PayloadExpression != "" {
		return validatePayloadExpression(r.PayloadExpression)
	}
	return nil
}

// HasUpdates returns true if any field is set.
func (r *UpdateWebhookRequest) HasUpdates() bool {
	return r.TargetURL != nil || r.Active != nil || r.PayloadExpression != nil
}

// ValidateTargetURL performs the static URL checks for webhook destinations.
// Address checks happen at delivery time, when the name is resolved.
func ValidateTargetURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errors.New("target_url is required")
	}
	if utf8.RuneCountInString(trimmed) > maxTargetURLLen {
		return fmt.Errorf("target_url cannot exceed %d characters", maxTargetURLLen)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return errors.New("target_url must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("target_url must use http or https scheme")
	}
	if parsed.User != nil {
		return errors.New("target_url must not contain credentials")
	}
	if parsed.Hostname() == "" {
		return errors.New("target_url must include a host")
	}
	return nil
}

func validatePayloadExpression(expr *string) error {
	if expr == nil {
		return nil
	}
	if len(*expr) > maxPayloadExprLength {
		return fmt.Errorf("payload_expression cannot exceed %d characters", maxPayloadExprLength)
	}
	return nil
}
