// Package testutil provides testing utilities and helpers for the job queue.
package testutil

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// EnqueueRequestBuilder provides a fluent interface for building EnqueueRequest objects for testing.
type EnqueueRequestBuilder struct {
	req *model.EnqueueRequest
}

// NewEnqueueRequest creates a builder for a fetch job with a unique resource,
// so two builders never collide on the idempotency key.
func NewEnqueueRequest() *EnqueueRequestBuilder {
	return &EnqueueRequestBuilder{
		req: &model.EnqueueRequest{
			TenantID:      "tenant-test",
			Type:          model.JobTypeFetch,
			Resource:      "https://example.com/" + uuid.NewString(),
			RecipeVersion: "v1",
		},
	}
}

// WithTenant sets the tenant.
func (b *EnqueueRequestBuilder) WithTenant(tenantID string) *EnqueueRequestBuilder {
	b.req.TenantID = tenantID
	return b
}

// WithType sets the job type.
func (b *EnqueueRequestBuilder) WithType(jobType model.JobType) *EnqueueRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithResource sets the resource the idempotency key is derived from.
func (b *EnqueueRequestBuilder) WithResource(resource string) *EnqueueRequestBuilder {
	b.req.Resource = resource
	return b
}

// WithOption sets one option value.
func (b *EnqueueRequestBuilder) WithOption(key string, value any) *EnqueueRequestBuilder {
	if b.req.Options == nil {
		b.req.Options = map[string]any{}
	}
	b.req.Options[key] = value
	return b
}

// WithCorrelationID sets the correlation id.
func (b *EnqueueRequestBuilder) WithCorrelationID(id string) *EnqueueRequestBuilder {
	b.req.CorrelationID = id
	return b
}

// WithMaxAttempts sets the retry budget.
func (b *EnqueueRequestBuilder) WithMaxAttempts(n int) *EnqueueRequestBuilder {
	b.req.MaxAttempts = n
	return b
}

// Build returns a copy of the request so a builder can be reused.
func (b *EnqueueRequestBuilder) Build() *model.EnqueueRequest {
	out := *b.req
	if b.req.Options != nil {
		out.Options = make(map[string]any, len(b.req.Options))
		for k, v := range b.req.Options {
			out.Options[k] = v
		}
	}
	return &out
}

// FetchJobRequest creates a fetch job request for url in tenantID.
func FetchJobRequest(tenantID, url string) *model.EnqueueRequest {
	return NewEnqueueRequest().WithTenant(tenantID).WithResource(url).Build()
}

// UniqueTenant returns a tenant id no other test uses.
func UniqueTenant(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}
