// Package testhelpers builds data-layer fixtures for integration tests in other packages.
package testhelpers

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// RetryCap bounds retry delays of repositories built by NewRepos.
const RetryCap = time.Minute

// Repos bundles the repositories backed by one test database.
type Repos struct {
	Jobs       *data.JobRepo
	Events     *data.ProgressEventRepo
	Webhooks   *data.WebhookRepo
	Deliveries *data.WebhookDeliveryRepo
}

// NewRepos wires every repository to db and tp. Retry delays never exceed
// RetryCap, so advancing a fixed clock by RetryCap makes a retried job claimable.
func NewRepos(db *sql.DB, tp data.TimeProvider) Repos {
	return Repos{
		Jobs: data.NewJobRepo(db, data.RepoConfig{
			TimeProvider: tp,
			Backoff:      domainjob.NewBackoff(RetryCap/4, RetryCap),
		}),
		Events:     data.NewProgressEventRepo(db, nil),
		Webhooks:   data.NewWebhookRepo(db, data.WebhookRepoOptions{TimeProvider: tp}),
		Deliveries: data.NewWebhookDeliveryRepo(db, tp, nil),
	}
}

// EnqueueFetch inserts a fetch job for url and returns its id.
func EnqueueFetch(t testing.TB, jobs *data.JobRepo, tenantID, url string) string {
	t.Helper()

	payload, err := json.Marshal(map[string]any{"url": url})
	require.NoError(t, err)

	res, err := jobs.Enqueue(context.Background(), core.EnqueueJobParams{
		TenantID:       tenantID,
		Type:           model.JobTypeFetch,
		IdempotencyKey: uuid.NewString(),
		MaxAttempts:    3,
		Payload:        payload,
	})
	require.NoError(t, err)
	return res.JobID
}
