package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/adapters/jobrunner"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/data/cryptoutil"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/notify/pagerduty"
	"github.com/target/mmk-jobqueue/internal/observability/notify/slack"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/safefetch"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Progress      *service.ProgressService
	Webhooks      *service.WebhookService
	Deliveries    *service.DeliveryService
	Reaper        *service.ReaperService
	Fetcher       *safefetch.Client
	Handlers      *jobrunner.Registry
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink is nil when metrics are disabled or the client failed to start.
	MetricsSink     statsd.Sink
	MetricsConfig   config.MetricsConfig
	FailureNotifier *failurenotifier.Service

	client *statsd.Client
}

// Close flushes and closes the statsd client if one was created.
func (o ObservabilityContainer) Close() {
	if o.client != nil {
		_ = o.client.Close()
	}
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Encryptor   cryptoutil.Encryptor
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB           *sql.DB
	JobRepo      *data.JobRepo
	ProgressRepo *data.ProgressEventRepo
	WebhookRepo  *data.WebhookRepo
	DeliveryRepo *data.WebhookDeliveryRepo
	Cache        core.IdempotencyCache
}

// buildObservability configures the metrics adapter. A statsd failure is logged
// and leaves metrics off rather than blocking startup.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	out := ObservabilityContainer{
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
	}
	if !cfg.Metrics.IsEnabled() {
		return out
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled:       true,
		Address:       cfg.Metrics.StatsdAddress,
		Prefix:        cfg.Metrics.Prefix,
		Logger:        obsLogger,
		FlushInterval: cfg.Metrics.FlushInterval,
	})
	if err != nil {
		obsLogger.Error("failed to initialise statsd client", "error", err)
		return out
	}
	out.client = client
	out.MetricsSink = client
	return out
}

// buildFailureNotifier registers the configured alert sinks. A sink that fails
// to initialise is logged and skipped.
func buildFailureNotifier(logger *slog.Logger, cfg config.NotificationsConfig) *failurenotifier.Service {
	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLBase,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: logger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps ServiceDeps) *serviceRepositories {
	cfg := deps.Config
	repos := &serviceRepositories{
		DB: deps.DB,
		JobRepo: data.NewJobRepo(deps.DB, data.RepoConfig{
			Logger:  deps.Logger,
			Backoff: domainjob.NewBackoff(cfg.JobRunner.RetryBase, cfg.JobRunner.RetryCap),
		}),
		ProgressRepo: data.NewProgressEventRepo(deps.DB, deps.Logger),
		WebhookRepo: data.NewWebhookRepo(deps.DB, data.WebhookRepoOptions{
			Encryptor: deps.Encryptor,
			Logger:    deps.Logger,
		}),
		DeliveryRepo: data.NewWebhookDeliveryRepo(deps.DB, nil, deps.Logger),
	}
	if deps.RedisClient != nil {
		repos.Cache = data.NewIdempotencyCache(deps.RedisClient, cfg.Redis.IdempotencyTTL)
	}
	return repos
}

func newFetchClient(cfg config.FetchConfig, logger *slog.Logger) (*safefetch.Client, error) {
	allowed, err := safefetch.ParsePrefixes(cfg.AllowedPrefixes)
	if err != nil {
		return nil, fmt.Errorf("parse FETCH_ALLOWED_PREFIXES: %w", err)
	}
	if len(allowed) > 0 {
		logger.Warn("outbound fetch policy exempts prefixes from the SSRF block list", "prefixes", cfg.AllowedPrefixes)
	}
	return safefetch.New(safefetch.Options{
		Policy:         safefetch.Policy{Allowed: allowed},
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxBytes:       cfg.MaxBytes,
		MaxRedirects:   cfg.MaxRedirects,
		UserAgent:      cfg.UserAgent,
		Logger:         logger,
	}), nil
}

func newJobService(
	repos *serviceRepositories,
	cfg *config.AppConfig,
	failures *failurenotifier.Service,
	logger *slog.Logger,
) (*service.JobService, error) {
	return service.NewJobService(service.JobServiceOptions{
		Repo:            repos.JobRepo,
		Leases:          repos.JobRepo,
		Cache:           repos.Cache,
		FailureNotifier: failures,
		DefaultLease:    cfg.JobRunner.Lease,
		Logger:          logger,
	})
}

func newDeliveryService(
	repos *serviceRepositories,
	cfg config.DeliveryConfig,
	poster service.Poster,
	metrics statsd.Sink,
	logger *slog.Logger,
) (*service.DeliveryService, error) {
	return service.NewDeliveryService(service.DeliveryServiceOptions{
		Deliveries:  repos.DeliveryRepo,
		Webhooks:    repos.WebhookRepo,
		Jobs:        repos.JobRepo,
		Poster:      poster,
		Schedule:    cfg.Schedule,
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.Timeout,
		Metrics:     metrics,
		Logger:      logger,
	})
}

// newHandlerRegistry registers the built-in job handlers.
func newHandlerRegistry(fetcher *safefetch.Client) *jobrunner.Registry {
	registry := jobrunner.NewRegistry()
	registry.MustRegister(model.JobTypeFetch, jobrunner.FetchHandler(fetcher))
	return registry
}

// NewServices wires repositories and services. The returned container owns the
// statsd client; callers close it through Observability.Close.
func NewServices(deps ServiceDeps) (ServiceContainer, error) {
	if deps.Config == nil {
		return ServiceContainer{}, errors.New("config is required")
	}
	if deps.DB == nil {
		return ServiceContainer{}, errors.New("database connection is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Encryptor == nil {
		deps.Encryptor = cryptoutil.NoopEncryptor{}
	}

	observability := buildObservability(deps.Logger, deps.Config.Observability)
	repos := buildRepositories(deps)

	fetcher, err := newFetchClient(deps.Config.Fetch, deps.Logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	jobs, err := newJobService(repos, deps.Config, observability.FailureNotifier, deps.Logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire job service: %w", err)
	}
	progress, err := service.NewProgressService(service.ProgressServiceOptions{
		Events: repos.ProgressRepo,
		Jobs:   repos.JobRepo,
		Logger: deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire progress service: %w", err)
	}
	webhooks, err := service.NewWebhookService(service.WebhookServiceOptions{
		Repo:       repos.WebhookRepo,
		Deliveries: repos.DeliveryRepo,
		Logger:     deps.Logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire webhook service: %w", err)
	}
	deliveries, err := newDeliveryService(repos, deps.Config.Delivery, fetcher, observability.MetricsSink, deps.Logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire delivery service: %w", err)
	}
	jobs.SetOutcomeScheduler(deliveries)
	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Leases:     repos.JobRepo,
		Deliveries: repos.DeliveryRepo,
		Outcomes:   deliveries,
		Failures:   observability.FailureNotifier,
		Config:     deps.Config.Reaper,
		Logger:     deps.Logger,
		Metrics:    observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("wire reaper service: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobs,
		Progress:      progress,
		Webhooks:      webhooks,
		Deliveries:    deliveries,
		Reaper:        reaper,
		Fetcher:       fetcher,
		Handlers:      newHandlerRegistry(fetcher),
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		DB:       deps.cfg.DB,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newJobRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeJobRunner,
		name: "job runner",
		start: func(ctx context.Context) error {
			return RunJobRunner(ctx, JobRunnerConfig{
				Services: deps.cfg.Services,
				Config:   deps.cfg.Config.JobRunner,
				Logger:   deps.logger,
			})
		},
	}
}

func newDeliveryRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeDeliveryRunner,
		name: "delivery runner",
		start: func(ctx context.Context) error {
			return RunDeliveryRunner(ctx, DeliveryRunnerConfig{
				Services: deps.cfg.Services,
				Config:   deps.cfg.Config.Delivery,
				Logger:   deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				DB:       deps.cfg.DB,
				Logger:   deps.logger,
				Config:   deps.cfg.Config.Reaper,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
				Outcomes: deps.cfg.Services.Deliveries,
				Failures: deps.cfg.Services.Observability.FailureNotifier,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
		return nil
	}
	return []backgroundService{
		newJobRunnerBackgroundService(deps),
		newDeliveryRunnerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:             serviceCtx,
		cancel:          cancel,
		errCh:           errCh,
		httpServer:      result.HTTPServer,
		shutdownTimeout: cfg.Config.HTTP.ShutdownTimeout,
		jobService:      cfg.Services.Jobs,
		logger:          logger,
		backgrounds:     result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	modes := []config.ServiceMode{
		config.ServiceModeHTTP,
		config.ServiceModeJobRunner,
		config.ServiceModeDeliveryRunner,
		config.ServiceModeReaper,
	}

	count := 0
	for _, mode := range modes {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx             context.Context
	cancel          context.CancelFunc
	errCh           <-chan error
	httpServer      *http.Server
	shutdownTimeout time.Duration
	jobService      *service.JobService
	logger          *slog.Logger
	backgrounds     []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop drains the HTTP server, then waits for background services.
// The service context is already canceled here, so the HTTP deadline hangs off
// an uncanceled copy of it.
func gracefulStop(cfg shutdownConfig) error {
	var stopErr error
	if cfg.httpServer != nil {
		timeout := cfg.shutdownTimeout
		if timeout <= 0 {
			timeout = shutdownWaitTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cfg.ctx), timeout)
		defer cancel()

		stopErr = ShutdownHTTPServer(ShutdownConfig{
			Context:    shutdownCtx,
			Server:     cfg.httpServer,
			JobService: cfg.jobService,
			Logger:     cfg.logger,
		})
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return stopErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
