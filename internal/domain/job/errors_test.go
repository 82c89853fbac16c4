package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ""},
		{name: "unmarked", err: base, want: ClassTransient},
		{name: "deadline", err: fmt.Errorf("fetch: %w", context.DeadlineExceeded), want: ClassTransient},
		{name: "transient", err: Transient(base), want: ClassTransient},
		{name: "permanent", err: Permanent(base), want: ClassPermanent},
		{name: "wrapped permanent", err: fmt.Errorf("handler: %w", Permanent(base)), want: ClassPermanent},
		{name: "outermost wins", err: Permanent(Transient(base)), want: ClassPermanent},
		{name: "infrastructure", err: Infrastructure(base), want: ClassInfrastructure},
		{name: "canceled", err: fmt.Errorf("step 2: %w", ErrCanceled), want: ClassCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMarkers(t *testing.T) {
	base := errors.New("boom")

	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Infrastructure(nil))

	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsPermanent(fmt.Errorf("x: %w", Permanent(base))))
	assert.True(t, IsInfrastructure(Infrastructure(base)))
	assert.False(t, IsPermanent(Transient(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.Equal(t, "permanent: boom", Permanent(base).Error())
}
