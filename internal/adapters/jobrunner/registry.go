package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// Handler executes one attempt of a job. Returning nil completes the job; errors are
// classified with domainjob.Classify. Handlers must tolerate being invoked again for
// the same job after a crash or a lost lease.
type Handler func(ctx context.Context, job *model.Job, emit Emitter) error

var (
	// ErrHandlerExists is returned when a job type is registered twice.
	ErrHandlerExists = errors.New("handler already registered")
	// ErrInvalidJobType is returned for empty or malformed job types.
	ErrInvalidJobType = errors.New("invalid job type")
)

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.JobType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.JobType]Handler)}
}

// Register binds a handler to a job type.
func (r *Registry) Register(jobType model.JobType, h Handler) error {
	if !jobType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// MustRegister is Register for process setup; it panics on error.
func (r *Registry) MustRegister(jobType model.JobType, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a job type.
func (r *Registry) Lookup(jobType model.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []model.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
