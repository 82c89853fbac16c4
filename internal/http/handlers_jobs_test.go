package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/mocks"
	"github.com/target/mmk-jobqueue/internal/service"
	"go.uber.org/mock/gomock"
)

type jobAPIFixture struct {
	router http.Handler
	jobs   *mocks.MockJobRepository
	events *mocks.MockProgressEventRepository
}

func newJobAPIFixture(t *testing.T) *jobAPIFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &jobAPIFixture{
		jobs:   mocks.NewMockJobRepository(ctrl),
		events: mocks.NewMockProgressEventRepository(ctrl),
	}
	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:         f.jobs,
		DefaultLease: 30 * time.Second,
	})
	progress, err := service.NewProgressService(service.ProgressServiceOptions{Events: f.events, Jobs: f.jobs})
	require.NoError(t, err)
	f.router = NewRouter(RouterServices{Jobs: jobs, Progress: progress, MaxBodyBytes: 1 << 10})
	return f
}

func (f *jobAPIFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func submission() map[string]any {
	return map[string]any{
		"tenant_id":      "t1",
		"type":           "fetch",
		"resource":       "https://example.com/page",
		"options":        map[string]any{"depth": 1},
		"recipe_version": "v1",
	}
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name      string
		duplicate bool
		wantCode  int
	}{
		{name: "new job", wantCode: http.StatusCreated},
		{name: "duplicate submission", duplicate: true, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobAPIFixture(t)
			f.jobs.EXPECT().Enqueue(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ any, p core.EnqueueJobParams) (*model.EnqueueResult, error) {
					assert.Equal(t, "t1", p.TenantID)
					assert.Equal(t, model.JobTypeFetch, p.Type)
					assert.NotEmpty(t, p.IdempotencyKey)
					return &model.EnqueueResult{JobID: "job-1", Status: model.JobStatusQueued, Duplicate: tt.duplicate}, nil
				})

			rec := f.do(t, http.MethodPost, "/api/jobs", submission())

			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			res := decodeBody[model.EnqueueResult](t, rec)
			assert.Equal(t, "job-1", res.JobID)
			assert.Equal(t, tt.duplicate, res.Duplicate)
		})
	}
}

func TestEnqueue_TenantFromHeader(t *testing.T) {
	f := newJobAPIFixture(t)
	f.jobs.EXPECT().Enqueue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ any, p core.EnqueueJobParams) (*model.EnqueueResult, error) {
			assert.Equal(t, "from-header", p.TenantID)
			return &model.EnqueueResult{JobID: "job-2", Status: model.JobStatusQueued}, nil
		})

	body := submission()
	delete(body, "tenant_id")
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &buf)
	req.Header.Set(tenantHeader, "from-header")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestEnqueue_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		code    int
		errCode string
	}{
		{name: "malformed json", body: `{"tenant_id":`, code: http.StatusBadRequest, errCode: "invalid_json"},
		{name: "unknown field", body: `{"tenant":"t1"}`, code: http.StatusBadRequest, errCode: "invalid_json"},
		{name: "empty body", body: nil, code: http.StatusBadRequest, errCode: "invalid_json"},
		{
			name: "missing recipe version",
			body: map[string]any{"tenant_id": "t1", "resource": "https://example.com"},
			code: http.StatusBadRequest, errCode: "validation",
		},
		{
			name: "oversized body",
			body: `{"tenant_id":"` + strings.Repeat("a", 2048) + `"}`,
			code: http.StatusRequestEntityTooLarge, errCode: "body_too_large",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newJobAPIFixture(t)
			rec := f.do(t, http.MethodPost, "/api/jobs", tt.body)

			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			body := decodeBody[map[string]string](t, rec)
			assert.Equal(t, tt.errCode, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestGetJob(t *testing.T) {
	job := &model.Job{ID: "job-1", TenantID: "t1", Type: model.JobTypeFetch, Status: model.JobStatusRunning}

	t.Run("owner sees job", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)

		rec := f.do(t, http.MethodGet, "/api/jobs/job-1?tenant_id=t1", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeBody[model.Job](t, rec)
		assert.Equal(t, model.JobStatusRunning, got.Status)
	})

	t.Run("other tenant gets 404", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)

		rec := f.do(t, http.MethodGet, "/api/jobs/job-1?tenant_id=t2", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing job", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().GetByID(gomock.Any(), "nope").Return(nil, data.ErrJobNotFound)

		rec := f.do(t, http.MethodGet, "/api/jobs/nope", nil)

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decodeBody[map[string]string](t, rec)["error"])
	})

	t.Run("store failure is opaque", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().GetByID(gomock.Any(), "job-1").Return(nil, errors.New("pq: secret internals"))

		rec := f.do(t, http.MethodGet, "/api/jobs/job-1", nil)

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret internals")
	})
}

func TestListJobs(t *testing.T) {
	f := newJobAPIFixture(t)
	f.jobs.EXPECT().List(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ any, opts model.JobListOptions) ([]*model.Job, error) {
			assert.Equal(t, "t1", opts.TenantID)
			require.NotNil(t, opts.Status)
			assert.Equal(t, model.JobStatusFailed, *opts.Status)
			assert.Equal(t, 10, opts.Limit)
			assert.Equal(t, 20, opts.Offset)
			return nil, nil
		})

	rec := f.do(t, http.MethodGet, "/api/jobs?tenant_id=t1&status=FAILED&limit=10&offset=20", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[],"limit":10,"offset":20}`, rec.Body.String())
}

func TestListJobs_InvalidStatus(t *testing.T) {
	f := newJobAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs?status=sleeping", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	t.Run("requires tenant", func(t *testing.T) {
		f := newJobAPIFixture(t)
		rec := f.do(t, http.MethodPost, "/api/jobs/job-1/cancel", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("flags running job", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().RequestCancel(gomock.Any(), "job-1", "t1").Return(&model.Job{
			ID:              "job-1",
			TenantID:        "t1",
			Type:            model.JobTypeFetch,
			Status:          model.JobStatusRunning,
			CancelRequested: true,
		}, nil)

		rec := f.do(t, http.MethodPost, "/api/jobs/job-1/cancel?tenant_id=t1", nil)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.True(t, decodeBody[model.Job](t, rec).CancelRequested)
	})
}

func TestJobEvents(t *testing.T) {
	job := &model.Job{ID: "job-1", TenantID: "t1", Type: model.JobTypeFetch}

	t.Run("resumes after cursor", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
		f.events.EXPECT().List(gomock.Any(), "job-1", model.ProgressListOptions{After: 7, Limit: 2}).
			Return(&model.ProgressPage{
				Events: []model.ProgressEvent{
					{ID: 8, JobID: "job-1", EventType: model.ProgressStepStarted, Message: "fetch"},
					{ID: 9, JobID: "job-1", EventType: model.ProgressStepDone, Message: "fetch"},
				},
				NextAfter: 9,
				HasMore:   true,
			}, nil)

		rec := f.do(t, http.MethodGet, "/api/jobs/job-1/events?tenant_id=t1&after=7&limit=2", nil)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decodeBody[model.ProgressPage](t, rec)
		assert.Len(t, page.Events, 2)
		assert.Equal(t, int64(9), page.NextAfter)
		assert.True(t, page.HasMore)
	})

	t.Run("empty timeline is an empty list", func(t *testing.T) {
		f := newJobAPIFixture(t)
		f.jobs.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
		f.events.EXPECT().List(gomock.Any(), "job-1", gomock.Any()).Return(&model.ProgressPage{}, nil)

		rec := f.do(t, http.MethodGet, "/api/jobs/job-1/events", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"events":[],"next_after":0,"has_more":false}`, rec.Body.String())
	})

	t.Run("bad cursor", func(t *testing.T) {
		f := newJobAPIFixture(t)
		rec := f.do(t, http.MethodGet, "/api/jobs/job-1/events?after=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobStats(t *testing.T) {
	f := newJobAPIFixture(t)
	f.jobs.EXPECT().Stats(gomock.Any(), "t1").Return(&model.JobStats{Queued: 3, Running: 1, Done: 9}, nil)

	rec := f.do(t, http.MethodGet, "/api/jobs/stats?tenant_id=t1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[model.JobStats](t, rec)
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 9, stats.Done)
}
