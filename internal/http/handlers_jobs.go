// Package httpx provides the JSON API of the job queue: submission, job and
// timeline reads, cancellation and webhook management.
package httpx

import (
	"net/http"
	"strings"

	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/service"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc      *service.JobService
	Progress *service.ProgressService
}

// Enqueue handles job submission. A new job answers 201; a duplicate submission
// answers 200 with the existing job's id and duplicate set.
func (h *JobHandlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFrom(r)
	}

	res, err := h.Svc.Enqueue(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err, "enqueue_failed")
		return
	}

	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	WriteJSON(w, code, res)
}

// Get returns one job. When a tenant is given it must own the job.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.Svc.Get(r.Context(), id, tenantFrom(r))
	if err != nil {
		WriteServiceError(w, err, "get_failed")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// List returns jobs filtered by tenant, status and type, newest first.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultJobListLimit, maxJobListLimit)
	opts := model.JobListOptions{
		TenantID: tenantFrom(r),
		Limit:    limit,
		Offset:   offset,
	}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		st := model.JobStatus(strings.ToLower(v))
		opts.Status = &st
	}
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		jt := model.JobType(strings.ToLower(v))
		opts.Type = &jt
	}

	jobs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		WriteServiceError(w, err, "list_failed")
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Cancel requests cancellation of a tenant's job. Queued jobs are canceled
// immediately; running jobs are flagged and stop at their next heartbeat.
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}

	job, err := h.Svc.Cancel(r.Context(), id, tenantFrom(r))
	if err != nil {
		WriteServiceError(w, err, "cancel_failed")
		return
	}
	WriteJSON(w, http.StatusAccepted, job)
}

// Events returns one page of a job's progress timeline. Readers resume by
// passing the page's next_after as after.
func (h *JobHandlers) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := requirePathID(w, r, "id")
	if !ok {
		return
	}
	after, err := parseCursorQuery(r, "after")
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation", Err: err})
		return
	}

	page, err := h.Progress.List(r.Context(), id, tenantFrom(r), model.ProgressListOptions{
		After: after,
		Limit: parseIntQuery(r, "limit", 0),
	})
	if err != nil {
		WriteServiceError(w, err, "events_failed")
		return
	}
	if page.Events == nil {
		page.Events = []model.ProgressEvent{}
	}
	WriteJSON(w, http.StatusOK, page)
}

// Stats returns per-status job counts, for one tenant or across all of them.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context(), tenantFrom(r))
	if err != nil {
		WriteServiceError(w, err, "stats_failed")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
