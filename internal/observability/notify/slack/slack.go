// Package slack posts job failure alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix turns the job id into a link, e.g. "https://queue.example/api/v1/jobs".
	JobURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	jobURL     *url.URL
	poster     notify.Poster
}

type message struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// NewClient builds a Slack webhook client. An unusable JobURLPrefix is ignored.
func NewClient(cfg Config) (*Client, error) {
	hook := strings.TrimSpace(cfg.WebhookURL)
	if hook == "" {
		return nil, errors.New("slack webhook url is required")
	}

	c := &Client{
		webhookURL: hook,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   notify.Or(strings.TrimSpace(cfg.Username), "jobqueue"),
		poster:     notify.NewPoster("slack", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}
	if prefix := strings.TrimSpace(cfg.JobURLPrefix); prefix != "" {
		if u, err := url.Parse(prefix); err == nil && u.Scheme != "" && u.Host != "" {
			c.jobURL = u
		}
	}
	return c, nil
}

// SendJobFailure posts a formatted message.
func (c *Client) SendJobFailure(ctx context.Context, p notify.JobFailurePayload) error {
	return c.poster.PostJSON(ctx, c.webhookURL, c.formatMessage(p))
}

func (c *Client) formatMessage(p notify.JobFailurePayload) message {
	at := p.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	lines := []string{c.headline(p)}
	bullet := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			lines = append(lines, "• "+label+": "+value)
		}
	}

	bullet("Severity", notify.Or(p.Severity, notify.SeverityCritical))
	bullet("Tenant", mrkdwnEscaper.Replace(p.TenantID))
	bullet("Correlation id", mrkdwnEscaper.Replace(p.CorrelationID))
	if p.MaxAttempts > 0 {
		bullet("Attempts", strconv.Itoa(p.Attempt)+"/"+strconv.Itoa(p.MaxAttempts))
	}
	bullet("Error class", p.ErrorClass)
	bullet("Error", mrkdwnEscaper.Replace(p.Error))

	if len(p.Metadata) > 0 {
		lines = append(lines, "• Metadata:")
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			lines = append(lines, "    • "+k+": "+mrkdwnEscaper.Replace(p.Metadata[k]))
		}
	}
	lines = append(lines, "• Timestamp: "+at.UTC().Format(time.RFC3339))

	return message{
		Text:     strings.Join(lines, "\n"),
		Username: c.username,
		Channel:  c.channel,
	}
}

func (c *Client) headline(p notify.JobFailurePayload) string {
	h := "*Job failure alert*"
	if job := c.formatJobValue(p.JobID); job != "" {
		h += " " + job
	}
	if p.JobType != "" {
		h += " (" + mrkdwnEscaper.Replace(p.JobType) + ")"
	}
	return h
}

// formatJobValue renders the job id, linked when a prefix is configured.
func (c *Client) formatJobValue(jobID string) string {
	raw := strings.TrimSpace(jobID)
	if raw == "" {
		return ""
	}
	id := mrkdwnEscaper.Replace(raw)
	if c.jobURL != nil {
		return fmt.Sprintf("<%s|%s>", c.jobURL.JoinPath(raw).String(), id)
	}
	return "`" + id + "`"
}
