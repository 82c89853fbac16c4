package config

import (
	"log/slog"
	"strings"
	"time"
)

const defaultObservabilityName = "jobqueue"

// ObservabilityConfig groups configuration that controls logging, metrics and failure alerts.
type ObservabilityConfig struct {
	Log           LogConfig
	Metrics       MetricsConfig
	Notifications NotificationsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Log.Sanitize()
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
}

// Log output formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Sanitize lowercases values and falls back to json/info for anything unknown.
func (c *LogConfig) Sanitize() {
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format != LogFormatConsole {
		c.Format = LogFormatJSON
	}
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if _, ok := logLevels[c.Level]; !ok {
		c.Level = "info"
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured level.
func (c LogConfig) SlogLevel() slog.Level {
	if lvl, ok := logLevels[c.Level]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// MetricsConfig controls emission of metrics to a StatsD sink.
type MetricsConfig struct {
	Enabled       bool          `env:"STATSD_ENABLED"        envDefault:"false"`
	StatsdAddress string        `env:"STATSD_ADDRESS"        envDefault:"127.0.0.1:8125"`
	Prefix        string        `env:"STATSD_PREFIX"         envDefault:"jobqueue"`
	FlushInterval time.Duration `env:"STATSD_FLUSH_INTERVAL" envDefault:"1s"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *MetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// NotificationsConfig controls operator alerts for jobs that fail terminally.
type NotificationsConfig struct {
	Enabled    bool                        `env:"NOTIFY_ENABLED"     envDefault:"false"`
	Timeout    time.Duration               `env:"NOTIFY_TIMEOUT"     envDefault:"5s"`
	RetryLimit int                         `env:"NOTIFY_RETRY_LIMIT" envDefault:"3"`
	Slack      SlackNotificationConfig     `                                            envPrefix:"NOTIFY_SLACK_"`
	PagerDuty  PagerDutyNotificationConfig `                                            envPrefix:"NOTIFY_PAGERDUTY_"`
}

// Sanitize normalises notification configuration values. A sink without its
// credential is disabled.
func (c *NotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.PagerDuty.Enabled = false
		return
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}
	if c.PagerDuty.Enabled && c.PagerDuty.RoutingKey == "" {
		c.PagerDuty.Enabled = false
	}
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"        envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME"       envDefault:"jobqueue"`
	JobURLBase string `env:"JOB_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.JobURLBase = strings.TrimSpace(c.JobURLBase)
	if c.Username = strings.TrimSpace(c.Username); c.Username == "" {
		c.Username = defaultObservabilityName
	}
}

// PagerDutyNotificationConfig controls PagerDuty Events API v2 fan-out.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"jobqueue"`
	Component  string `env:"COMPONENT"   envDefault:"jobqueue"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	if c.Source = strings.TrimSpace(c.Source); c.Source == "" {
		c.Source = defaultObservabilityName
	}
	if c.Component = strings.TrimSpace(c.Component); c.Component == "" {
		c.Component = defaultObservabilityName
	}
}
