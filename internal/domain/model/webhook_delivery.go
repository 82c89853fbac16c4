package model

import "time"

// DeliveryStatus represents the state of a webhook delivery sequence.
type DeliveryStatus string

const (
	// DeliveryStatusPending means another attempt is scheduled.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusDelivered means a 2xx response was received.
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusFailed means delivery stopped for a non-retryable reason.
	DeliveryStatusFailed DeliveryStatus = "failed"
	// DeliveryStatusExhausted means every scheduled attempt failed.
	DeliveryStatusExhausted DeliveryStatus = "exhausted"
)

// Valid returns true for known delivery states.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusExhausted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the delivery will not be attempted again.
func (s DeliveryStatus) Terminal() bool {
	return s != DeliveryStatusPending
}

// WebhookDelivery tracks the attempt sequence delivering one job outcome to one webhook.
type WebhookDelivery struct {
	ID               string         `json:"id"                           db:"id"`
	WebhookID        string         `json:"webhook_id"                   db:"webhook_id"`
	JobID            string         `json:"job_id"                       db:"job_id"`
	TenantID         string         `json:"tenant_id"                    db:"tenant_id"`
	EventType        string         `json:"event_type"                   db:"event_type"`
	Attempt          int            `json:"attempt"                      db:"attempt"`
	MaxAttempts      int            `json:"max_attempts"                 db:"max_attempts"`
	Status           DeliveryStatus `json:"status"                       db:"status"`
	NextAttemptAt    *time.Time     `json:"next_attempt_at,omitempty"    db:"next_attempt_at"`
	LastResponseCode *int           `json:"last_response_code,omitempty" db:"last_response_code"`
	LastError        *string        `json:"last_error,omitempty"         db:"last_error"`
	LockedUntil      *time.Time     `json:"-"                            db:"locked_until"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"       db:"delivered_at"`
	CreatedAt        time.Time      `json:"created_at"                   db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"                   db:"updated_at"`
}

// DeliveryListOptions filters a webhook's delivery log.
type DeliveryListOptions struct {
	Status *DeliveryStatus
	JobID  string
	Limit  int
	Offset int
}
