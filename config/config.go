package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode, job runner, delivery runner and reaper configuration
//   - fetch.go: Outbound fetch client configuration
//   - observability.go: Logging and metrics configuration
type AppConfig struct {
	// IsDev relaxes a few production guardrails (console logging, missing webhook key).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// WebhookSecretKey is the AES-256 key (hex or base64) sealing webhook signing secrets.
	// Required outside development.
	WebhookSecretKey string `env:"WEBHOOK_SECRET_KEY"`

	// RunMigrations applies embedded migrations during startup.
	RunMigrations bool `env:"RUN_MIGRATIONS" envDefault:"true"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Services is a comma-delimited list of enabled services.
	// Valid values: http, job-runner, delivery-runner, reaper
	Services string `env:"SERVICES" envDefault:"http"`

	// JobRunner configuration
	JobRunner JobRunnerConfig

	// Delivery runner configuration
	Delivery DeliveryConfig

	// Fetch client configuration
	Fetch FetchConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.detectDevMode()

	c.HTTP.Sanitize()
	c.Redis.Sanitize()
	c.JobRunner.Sanitize()
	c.Delivery.Sanitize()
	c.Fetch.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
	c.WebhookSecretKey = strings.TrimSpace(c.WebhookSecretKey)
}

// detectDevMode checks APP_ENV as a fallback for DEV.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsEnabled reports whether mode appears in SERVICES. An invalid list enables nothing.
func (c *AppConfig) IsEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool { return c.IsEnabled(ServiceModeHTTP) }

// IsJobRunnerEnabled returns true if the job runner service is enabled.
func (c *AppConfig) IsJobRunnerEnabled() bool { return c.IsEnabled(ServiceModeJobRunner) }

// IsDeliveryRunnerEnabled returns true if the webhook delivery runner is enabled.
func (c *AppConfig) IsDeliveryRunnerEnabled() bool { return c.IsEnabled(ServiceModeDeliveryRunner) }

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool { return c.IsEnabled(ServiceModeReaper) }
