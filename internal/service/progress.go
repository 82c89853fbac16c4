package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

const (
	defaultProgressPageSize = 100
	maxProgressPageSize     = 1000
)

// ProgressServiceOptions groups dependencies for ProgressService.
type ProgressServiceOptions struct {
	Events core.ProgressEventRepository // Required
	Jobs   core.JobRepository           // Required: tenant checks on reads
	Logger *slog.Logger                 // Optional
}

// ProgressService appends worker events to a job's timeline and pages through it.
type ProgressService struct {
	events core.ProgressEventRepository
	jobs   core.JobRepository
	logger *slog.Logger
}

// NewProgressService constructs a ProgressService.
func NewProgressService(opts ProgressServiceOptions) (*ProgressService, error) {
	if opts.Events == nil {
		return nil, errors.New("ProgressEventRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressService{
		events: opts.Events,
		jobs:   opts.Jobs,
		logger: logger.With("component", "progress_service"),
	}, nil
}

// Append records an event on behalf of the worker holding the job's lease.
func (s *ProgressService) Append(
	ctx context.Context,
	workerID string,
	ev model.NewProgressEvent,
) (*model.ProgressEvent, error) {
	out, err := s.events.Append(ctx, workerID, ev)
	if err != nil {
		return nil, fmt.Errorf("append %s event to job %s: %w", ev.EventType, ev.JobID, err)
	}
	return out, nil
}

// List returns one page of a job's timeline after the given cursor.
// A non-empty tenantID must own the job.
func (s *ProgressService) List(
	ctx context.Context,
	jobID, tenantID string,
	opts model.ProgressListOptions,
) (*model.ProgressPage, error) {
	if opts.After < 0 {
		return nil, apperrors.ValidationField("after", "after must not be negative")
	}
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultProgressPageSize
	case opts.Limit > maxProgressPageSize:
		opts.Limit = maxProgressPageSize
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, toAppError(err))
	}
	if tenantID != "" && job.TenantID != tenantID {
		return nil, apperrors.NotFound("Job not found.")
	}

	page, err := s.events.List(ctx, jobID, opts)
	if err != nil {
		return nil, fmt.Errorf("list events for job %s: %w", jobID, toAppError(err))
	}
	return page, nil
}
