package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/data"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
	"github.com/target/mmk-jobqueue/internal/mocks"
	"go.uber.org/mock/gomock"
)

func TestProgressService_List(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	events := mocks.NewMockProgressEventRepository(ctrl)
	jobs := mocks.NewMockJobRepository(ctrl)
	svc, err := NewProgressService(ProgressServiceOptions{Events: events, Jobs: jobs})
	require.NoError(t, err)

	jobs.EXPECT().GetByID(gomock.Any(), "job-1").Return(&model.Job{ID: "job-1", TenantID: "tenant-a"}, nil).AnyTimes()
	jobs.EXPECT().GetByID(gomock.Any(), "missing").Return(nil, data.ErrJobNotFound)

	t.Run("defaults the page size", func(t *testing.T) {
		events.EXPECT().List(gomock.Any(), "job-1", model.ProgressListOptions{After: 7, Limit: defaultProgressPageSize}).
			Return(&model.ProgressPage{NextAfter: 9}, nil)
		page, err := svc.List(ctx, "job-1", "tenant-a", model.ProgressListOptions{After: 7})
		require.NoError(t, err)
		assert.EqualValues(t, 9, page.NextAfter)
	})

	t.Run("caps the page size", func(t *testing.T) {
		events.EXPECT().List(gomock.Any(), "job-1", model.ProgressListOptions{Limit: maxProgressPageSize}).
			Return(&model.ProgressPage{}, nil)
		_, err := svc.List(ctx, "job-1", "", model.ProgressListOptions{Limit: 50_000})
		require.NoError(t, err)
	})

	t.Run("negative cursor", func(t *testing.T) {
		_, err := svc.List(ctx, "job-1", "tenant-a", model.ProgressListOptions{After: -1})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("other tenant", func(t *testing.T) {
		_, err := svc.List(ctx, "job-1", "tenant-b", model.ProgressListOptions{})
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := svc.List(ctx, "missing", "", model.ProgressListOptions{})
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestProgressService_Append(t *testing.T) {
	ctrl := gomock.NewController(t)
	events := mocks.NewMockProgressEventRepository(ctrl)
	svc, err := NewProgressService(ProgressServiceOptions{Events: events, Jobs: mocks.NewMockJobRepository(ctrl)})
	require.NoError(t, err)

	ev := model.NewProgressEvent{JobID: "job-1", EventType: model.ProgressStepStarted, Message: "fetching"}
	events.EXPECT().Append(gomock.Any(), "w1", ev).Return(&model.ProgressEvent{ID: 1, JobID: "job-1"}, nil)
	events.EXPECT().Append(gomock.Any(), "w2", ev).Return(nil, data.ErrLeaseLost)

	out, err := svc.Append(context.Background(), "w1", ev)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.ID)

	_, err = svc.Append(context.Background(), "w2", ev)
	require.ErrorIs(t, err, data.ErrLeaseLost)
}

func TestNewProgressService(t *testing.T) {
	_, err := NewProgressService(ProgressServiceOptions{})
	require.Error(t, err)
}
