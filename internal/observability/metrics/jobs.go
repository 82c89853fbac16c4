// Package metrics emits the job and delivery lifecycle metrics shared by the runners.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-jobqueue/internal/observability/errors"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Job transitions reported by the worker runner.
const (
	TransitionClaimed  = "claimed"
	TransitionDone     = "done"
	TransitionRetried  = "retried"
	TransitionFailed   = "failed"
	TransitionCanceled = "canceled"
	TransitionReleased = "released"
	TransitionLost     = "lease_lost"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Attempt    int
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
	if in.Transition == TransitionRetried && in.Attempt > 0 {
		sink.Gauge("job.retry_attempt", float64(in.Attempt), map[string]string{"job_type": in.JobType})
	}
}

// DeliveryMetric captures the outcome of one webhook POST.
type DeliveryMetric struct {
	Status     string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// EmitDeliveryAttempt emits webhook delivery attempt metrics.
func EmitDeliveryAttempt(sink statsd.Sink, in DeliveryMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"status": in.Status}
	if in.StatusCode > 0 {
		tags["status_class"] = statusClass(in.StatusCode)
	}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("webhook.delivery_attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("webhook.delivery_duration", in.Duration, CloneTags(tags))
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
