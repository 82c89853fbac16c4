//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType_Valid(t *testing.T) {
	assert.True(t, JobTypeFetch.Valid())
	assert.True(t, JobType("render.v2").Valid())
	assert.False(t, JobType("").Valid())
	assert.False(t, JobType("Fetch").Valid())
	assert.False(t, JobType("-fetch").Valid())
	assert.False(t, JobType(strings.Repeat("a", 65)).Valid())
}

func TestJobType_UnmarshalText(t *testing.T) {
	var jt JobType
	require.NoError(t, jt.UnmarshalText([]byte("  FETCH ")))
	assert.Equal(t, JobTypeFetch, jt)

	err := jt.UnmarshalText([]byte("bad type"))
	require.Error(t, err)
	assert.Equal(t, JobTypeFetch, jt, "failed parse leaves the value untouched")
}

func TestJobStatus(t *testing.T) {
	for _, s := range []JobStatus{JobStatusDone, JobStatusFailed, JobStatusCanceled} {
		assert.True(t, s.Valid())
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.False(t, JobStatus("paused").Valid())
}

func TestJob_HasAttemptsLeft(t *testing.T) {
	var nilJob *Job
	assert.False(t, nilJob.HasAttemptsLeft())
	assert.True(t, (&Job{Attempt: 1, MaxAttempts: 3}).HasAttemptsLeft())
	assert.False(t, (&Job{Attempt: 3, MaxAttempts: 3}).HasAttemptsLeft())
}

func TestEnqueueRequest_NormalizeValidate(t *testing.T) {
	valid := func() EnqueueRequest {
		return EnqueueRequest{
			TenantID:      " acme ",
			Resource:      " https://example.com ",
			RecipeVersion: "v1",
		}
	}

	t.Run("defaults", func(t *testing.T) {
		req := valid()
		req.Normalize()
		require.NoError(t, req.Validate())
		assert.Equal(t, "acme", req.TenantID)
		assert.Equal(t, "https://example.com", req.Resource)
		assert.Equal(t, JobTypeFetch, req.Type)
		assert.Equal(t, DefaultMaxAttempts, req.MaxAttempts)
	})

	tests := []struct {
		name     string
		mutate   func(*EnqueueRequest)
		errorMsg string
	}{
		{
			name:     "missing tenant",
			mutate:   func(r *EnqueueRequest) { r.TenantID = "  " },
			errorMsg: "tenant_id is required",
		},
		{
			name:     "tenant too long",
			mutate:   func(r *EnqueueRequest) { r.TenantID = strings.Repeat("t", 129) },
			errorMsg: "tenant_id must be at most",
		},
		{
			name:     "invalid type",
			mutate:   func(r *EnqueueRequest) { r.Type = "no spaces" },
			errorMsg: "invalid job type",
		},
		{
			name:     "missing resource",
			mutate:   func(r *EnqueueRequest) { r.Resource = "" },
			errorMsg: "resource is required",
		},
		{
			name:     "missing recipe version",
			mutate:   func(r *EnqueueRequest) { r.RecipeVersion = "" },
			errorMsg: "recipe_version is required",
		},
		{
			name:     "too many attempts",
			mutate:   func(r *EnqueueRequest) { r.MaxAttempts = MaxAllowedAttempts + 1 },
			errorMsg: "max_attempts must be between",
		},
		{
			name:     "negative attempts",
			mutate:   func(r *EnqueueRequest) { r.MaxAttempts = -1 },
			errorMsg: "max_attempts must be between",
		},
		{
			name:     "bad payload",
			mutate:   func(r *EnqueueRequest) { r.Payload = json.RawMessage(`{"a":`) },
			errorMsg: "payload must be valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			req.Normalize()
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}
