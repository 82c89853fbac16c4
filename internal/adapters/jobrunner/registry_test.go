package jobrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

func TestRegistry(t *testing.T) {
	noop := func(context.Context, *model.Job, Emitter) error { return nil }

	t.Run("register and lookup", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register("render", noop))
		require.NoError(t, reg.Register(model.JobTypeFetch, noop))

		_, ok := reg.Lookup(model.JobTypeFetch)
		assert.True(t, ok)
		_, ok = reg.Lookup("missing")
		assert.False(t, ok)
		assert.Equal(t, []model.JobType{model.JobTypeFetch, "render"}, reg.Types())
	})

	tests := []struct {
		name    string
		jobType model.JobType
		handler Handler
		wantErr error
	}{
		{name: "empty type", jobType: "", handler: noop, wantErr: ErrInvalidJobType},
		{name: "malformed type", jobType: "Bad Type", handler: noop, wantErr: ErrInvalidJobType},
		{name: "duplicate", jobType: model.JobTypeFetch, handler: noop, wantErr: ErrHandlerExists},
		{name: "nil handler", jobType: "other", handler: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register(model.JobTypeFetch, noop))

			err := reg.Register(tt.jobType, tt.handler)
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("must register panics on duplicates", func(t *testing.T) {
		reg := NewRegistry()
		reg.MustRegister("render", noop)
		assert.Panics(t, func() { reg.MustRegister("render", noop) })
	})
}
