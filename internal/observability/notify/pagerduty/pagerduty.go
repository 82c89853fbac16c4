// Package pagerduty raises job failure incidents through the Events API v2.
package pagerduty

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client triggers one incident per failed job. The dedup key is tenant:job,
// so repeated alerts for the same job collapse into one incident.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	poster     notify.Poster
}

type event struct {
	RoutingKey  string  `json:"routing_key"`
	EventAction string  `json:"event_action"`
	DedupKey    string  `json:"dedup_key,omitempty"`
	Payload     payload `json:"payload"`
}

type payload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component,omitempty"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	return &Client{
		routingKey: key,
		source:     notify.Or(strings.TrimSpace(cfg.Source), "jobqueue"),
		component:  notify.Or(strings.TrimSpace(cfg.Component), "jobqueue"),
		endpoint:   notify.Or(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
		poster:     notify.NewPoster("pagerduty", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}, nil
}

// SendJobFailure submits a trigger event.
func (c *Client) SendJobFailure(ctx context.Context, p notify.JobFailurePayload) error {
	return c.poster.PostJSON(ctx, c.endpoint, c.buildEvent(p))
}

func (c *Client) buildEvent(p notify.JobFailurePayload) event {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	details := make(map[string]any, len(p.Metadata)+8)
	for k, v := range p.Metadata {
		details[k] = v
	}
	// Job fields win over metadata with the same key.
	maps.Copy(details, map[string]any{
		"job_id":         p.JobID,
		"job_type":       p.JobType,
		"tenant_id":      p.TenantID,
		"correlation_id": p.CorrelationID,
		"attempt":        p.Attempt,
		"max_attempts":   p.MaxAttempts,
		"error":          p.Error,
		"error_class":    p.ErrorClass,
	})

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    strings.Trim(p.TenantID+":"+p.JobID, ":"),
		Payload: payload{
			Summary:       fmt.Sprintf("Job %s (%s) failed", notify.Or(p.JobID, "unknown"), notify.Or(p.JobType, "unknown")),
			Severity:      notify.Or(strings.ToLower(p.Severity), notify.SeverityCritical),
			Source:        c.source,
			Component:     c.component,
			Timestamp:     at.UTC().Format(time.RFC3339),
			CustomDetails: details,
		},
	}
}
