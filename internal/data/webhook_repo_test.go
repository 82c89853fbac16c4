package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/data/cryptoutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/testutil"
)

const testWebhookSecret = "whsec_0123456789abcdef"

func newTestWebhookRepo(t *testing.T, db *sql.DB) *WebhookRepo {
	t.Helper()
	key := make([]byte, cryptoutil.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	enc, err := cryptoutil.NewAESGCMEncryptor(key)
	require.NoError(t, err)
	return NewWebhookRepo(db, WebhookRepoOptions{
		Encryptor:    enc,
		TimeProvider: NewFixedTimeProvider(testutil.TestTime()),
	})
}

func createTestWebhook(t *testing.T, repo *WebhookRepo, tenantID string, active bool) *model.Webhook {
	t.Helper()
	wh, err := repo.Create(context.Background(), &model.CreateWebhookRequest{
		TenantID:  tenantID,
		TargetURL: "https://hooks.example.com/" + uuid.NewString(),
		Secret:    testWebhookSecret,
		Active:    testutil.BoolPtr(active),
	})
	require.NoError(t, err)
	return wh
}

func TestWebhookRepo_CreateAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestWebhookRepo(t, db)
		ctx := context.Background()

		expr := "{id: job.id}"
		wh, err := repo.Create(ctx, &model.CreateWebhookRequest{
			TenantID:          "tenant-a",
			TargetURL:         "https://hooks.example.com/a",
			Secret:            testWebhookSecret,
			PayloadExpression: &expr,
		})
		require.NoError(t, err)
		assert.True(t, wh.Active)
		require.NotNil(t, wh.PayloadExpression)
		assert.Equal(t, expr, *wh.PayloadExpression)

		got, err := repo.GetByID(ctx, wh.ID, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, wh.TargetURL, got.TargetURL)

		body, err := json.Marshal(got)
		require.NoError(t, err)
		assert.NotContains(t, string(body), testWebhookSecret)

		_, err = repo.GetByID(ctx, wh.ID, "tenant-b")
		require.ErrorIs(t, err, ErrWebhookNotFound)

		var stored string
		require.NoError(t, db.QueryRow(`SELECT secret_ciphertext FROM webhooks WHERE id = $1`, wh.ID).Scan(&stored))
		assert.NotContains(t, stored, testWebhookSecret)
	})
}

func TestWebhookRepo_GetTarget(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestWebhookRepo(t, db)
		ctx := context.Background()
		wh := createTestWebhook(t, repo, "tenant-a", true)

		target, err := repo.GetTarget(ctx, wh.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte(testWebhookSecret), target.Secret)
		assert.Equal(t, wh.TargetURL, target.TargetURL)

		t.Run("ciphertext moved to another row does not open", func(t *testing.T) {
			other := createTestWebhook(t, repo, "tenant-a", true)
			_, err := db.Exec(`UPDATE webhooks SET secret_ciphertext = (SELECT secret_ciphertext FROM webhooks WHERE id = $1) WHERE id = $2`,
				wh.ID, other.ID)
			require.NoError(t, err)

			_, err = repo.GetTarget(ctx, other.ID)
			require.Error(t, err)
		})

		_, err = repo.GetTarget(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrWebhookNotFound)
	})
}

func TestWebhookRepo_UpdateListDelete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := newTestWebhookRepo(t, db)
		ctx := context.Background()
		first := createTestWebhook(t, repo, "tenant-a", true)
		createTestWebhook(t, repo, "tenant-a", false)
		createTestWebhook(t, repo, "tenant-b", true)

		list, err := repo.List(ctx, "tenant-a", 0, 0)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		expr := "job.status"
		updated, err := repo.Update(ctx, first.ID, "tenant-a", &model.UpdateWebhookRequest{
			Active:            testutil.BoolPtr(false),
			PayloadExpression: &expr,
		})
		require.NoError(t, err)
		assert.False(t, updated.Active)
		require.NotNil(t, updated.PayloadExpression)
		assert.Equal(t, first.TargetURL, updated.TargetURL)

		cleared, err := repo.Update(ctx, first.ID, "tenant-a", &model.UpdateWebhookRequest{
			PayloadExpression: testutil.StringPtr(""),
		})
		require.NoError(t, err)
		assert.Nil(t, cleared.PayloadExpression)

		_, err = repo.Update(ctx, first.ID, "tenant-b", &model.UpdateWebhookRequest{Active: testutil.BoolPtr(true)})
		require.ErrorIs(t, err, ErrWebhookNotFound)

		deleted, err := repo.Delete(ctx, first.ID, "tenant-b")
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = repo.Delete(ctx, first.ID, "tenant-a")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetByID(ctx, first.ID, "tenant-a")
		require.ErrorIs(t, err, ErrWebhookNotFound)

		_, err = repo.Update(ctx, first.ID, "tenant-a", &model.UpdateWebhookRequest{Active: testutil.BoolPtr(true)})
		require.ErrorIs(t, err, ErrWebhookNotFound, "deleted webhooks cannot be revived")

		list, err = repo.List(ctx, "tenant-a", 0, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}
