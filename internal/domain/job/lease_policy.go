package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

const (
	// MinLease is the shortest lease a worker may hold. Shorter leases would
	// expire between heartbeats under ordinary scheduling jitter.
	MinLease = 3 * time.Second
	// MaxLease bounds how long a crashed worker can hide a job.
	MaxLease = time.Hour

	heartbeatDivisor = 3
)

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied an in-range duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was moved into [MinLease, MaxLease].
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises lease durations for claims and heartbeats.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy. The default itself is clamped.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: clampLease(defaultLease)}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Lease     time.Duration
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the requested value was moved into range.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// HeartbeatInterval is how often a lease of this length must be renewed.
func (d LeaseDecision) HeartbeatInterval() time.Duration {
	return HeartbeatInterval(d.Lease)
}

// Resolve normalises a requested lease. Zero selects the default.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.Source = LeaseSourceDefault
		return decision
	}

	if request == 0 {
		decision.Lease = p.defaultLease
		decision.Source = LeaseSourceDefault
		return decision
	}

	decision.Lease = clampLease(request)
	if decision.Lease != request {
		decision.Source = LeaseSourceClamped
	} else {
		decision.Source = LeaseSourceExplicit
	}
	return decision
}

// HeartbeatInterval renews at a third of the lease so two heartbeats can be
// missed before the lease expires.
func HeartbeatInterval(lease time.Duration) time.Duration {
	if lease <= 0 {
		return time.Second
	}
	return max(lease/heartbeatDivisor, time.Second)
}

func clampLease(d time.Duration) time.Duration {
	return min(max(d, MinLease), MaxLease)
}
