package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/target/mmk-jobqueue/config"
)

// InitLogger initializes the structured logger and installs it as the default.
// The console format writes colored, human readable lines for local runs.
func InitLogger(cfg config.LogConfig) *slog.Logger {
	logger := slog.New(newLogHandler(os.Stdout, cfg))
	slog.SetDefault(logger)
	return logger
}

//nolint:ireturn // the handler implementation depends on the configured format.
func newLogHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	if cfg.Format == config.LogFormatConsole {
		return tint.NewHandler(w, &tint.Options{
			Level:      cfg.SlogLevel(),
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (config.AppConfig, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig validates that at least one service is enabled.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}

	if len(services) == 0 {
		return errors.New("no services enabled")
	}
	if !cfg.IsDev && cfg.WebhookSecretKey == "" &&
		(services[config.ServiceModeHTTP] || services[config.ServiceModeDeliveryRunner]) {
		return errors.New("WEBHOOK_SECRET_KEY is required outside development")
	}

	return nil
}

// GetEnabledServices returns the sorted names of the enabled services, or
// nothing when SERVICES does not parse.
func GetEnabledServices(cfg *config.AppConfig) []string {
	names := []string{}
	if cfg == nil {
		return names
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return names
	}
	for mode, on := range services {
		if on {
			names = append(names, string(mode))
		}
	}
	slices.Sort(names)
	return names
}
