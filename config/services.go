package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeJobRunner runs the job worker pool.
	ServiceModeJobRunner ServiceMode = "job-runner"
	// ServiceModeDeliveryRunner runs the webhook delivery workers.
	ServiceModeDeliveryRunner ServiceMode = "delivery-runner"
	// ServiceModeReaper runs the maintenance sweeps.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeJobRunner,
		ServiceModeDeliveryRunner,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.ToLower(strings.TrimSpace(part))
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeJobRunner, ServiceModeDeliveryRunner, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, job-runner, delivery-runner, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// JobRunnerConfig contains job worker configuration.
type JobRunnerConfig struct {
	// Concurrency is the number of jobs one process runs at once.
	Concurrency int `env:"JOB_RUNNER_CONCURRENCY" envDefault:"4"`

	// Lease is how long a claim hides a job from other workers between heartbeats.
	Lease time.Duration `env:"JOB_RUNNER_LEASE" envDefault:"30s"`

	// PollInterval bounds how long an idle worker waits when no notification arrives.
	PollInterval time.Duration `env:"JOB_RUNNER_POLL_INTERVAL" envDefault:"5s"`

	// ShutdownGrace is how long in-flight jobs may run after shutdown begins
	// before their leases are released.
	ShutdownGrace time.Duration `env:"JOB_RUNNER_SHUTDOWN_GRACE" envDefault:"20s"`

	// WorkerID prefixes the per-goroutine worker ids. Defaults to the hostname.
	WorkerID string `env:"JOB_RUNNER_WORKER_ID"`

	// Types restricts which job types this process claims. Empty claims every registered type.
	Types []model.JobType `env:"JOB_RUNNER_TYPES"`

	// RetryBase and RetryCap shape the equal-jitter backoff between attempts.
	RetryBase time.Duration `env:"JOB_RETRY_BASE" envDefault:"30s"`
	RetryCap  time.Duration `env:"JOB_RETRY_CAP"  envDefault:"10m"`
}

// Sanitize applies guardrails to job runner configuration values.
func (j *JobRunnerConfig) Sanitize() {
	if j.Concurrency < 1 {
		j.Concurrency = 1
	}
	if j.Lease < 5*time.Second {
		j.Lease = 5 * time.Second
	}
	if j.PollInterval < 100*time.Millisecond {
		j.PollInterval = 100 * time.Millisecond
	}
	if j.ShutdownGrace < 0 {
		j.ShutdownGrace = 0
	}
	if j.RetryBase < time.Second {
		j.RetryBase = time.Second
	}
	if j.RetryCap < j.RetryBase {
		j.RetryCap = j.RetryBase
	}
	j.WorkerID = strings.TrimSpace(j.WorkerID)
}

// DeliveryConfig contains webhook delivery runner configuration.
type DeliveryConfig struct {
	// Concurrency is the number of deliveries one process posts at once.
	Concurrency int `env:"DELIVERY_CONCURRENCY" envDefault:"4"`

	// PollInterval is the wait between ClaimDue calls that found nothing.
	PollInterval time.Duration `env:"DELIVERY_POLL_INTERVAL" envDefault:"2s"`

	// BatchSize caps how many due deliveries one claim returns.
	BatchSize int `env:"DELIVERY_BATCH_SIZE" envDefault:"20"`

	// Lock hides claimed deliveries from other runners while they are in flight.
	Lock time.Duration `env:"DELIVERY_LOCK" envDefault:"1m"`

	// Timeout is the per-POST deadline.
	Timeout time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"10s"`

	// Schedule is the wait after each failed attempt.
	Schedule []time.Duration `env:"DELIVERY_SCHEDULE" envDefault:"1m,5m,15m,1h,4h"`

	// MaxAttempts defaults to len(Schedule)+1 when zero.
	MaxAttempts int `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"0"`

	// RateLimit is the sustained requests per second allowed per webhook; RateBurst its bucket size.
	RateLimit float64 `env:"DELIVERY_RATE_LIMIT" envDefault:"5"`
	RateBurst int     `env:"DELIVERY_RATE_BURST" envDefault:"10"`
}

// Sanitize applies guardrails to delivery configuration values.
func (d *DeliveryConfig) Sanitize() {
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.PollInterval < 100*time.Millisecond {
		d.PollInterval = 100 * time.Millisecond
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.Timeout < time.Second {
		d.Timeout = time.Second
	}
	// A lock shorter than the POST deadline would let a second runner pick the delivery up mid-flight.
	if minLock := 2 * d.Timeout; d.Lock < minLock {
		d.Lock = minLock
	}

	schedule := d.Schedule[:0]
	for _, s := range d.Schedule {
		if s > 0 {
			schedule = append(schedule, s)
		}
	}
	if len(schedule) == 0 {
		schedule = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}
	}
	d.Schedule = schedule

	if d.MaxAttempts < 0 {
		d.MaxAttempts = 0
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 5
	}
	if d.RateBurst < 1 {
		d.RateBurst = 1
	}
}

// ReaperConfig contains maintenance sweep configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// BatchSize is the maximum number of rows to process per statement.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`

	// DeliveryRetention is how long finished webhook deliveries are kept. Zero keeps them forever.
	DeliveryRetention time.Duration `env:"REAPER_DELIVERY_RETENTION" envDefault:"720h"` // 30 days
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 5*time.Second {
		r.Interval = 5 * time.Second
	}
	if r.DeliveryRetention < 0 {
		r.DeliveryRetention = 0
	}
	if r.DeliveryRetention > 0 && r.DeliveryRetention < time.Hour {
		r.DeliveryRetention = time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
