package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/safefetch"
)

func TestClassify(t *testing.T) {
	blocked := &safefetch.BlockedError{URL: "http://10.0.0.1/", Reason: safefetch.ReasonAddress}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "deadline", err: fmt.Errorf("fetch: %w", context.DeadlineExceeded), want: ClassTimeout},
		{name: "deadline marked transient", err: domainjob.Transient(context.DeadlineExceeded), want: ClassTimeout},
		{name: "context canceled", err: context.Canceled, want: ClassCanceled},
		{name: "job canceled", err: domainjob.ErrCanceled, want: ClassCanceled},
		{name: "blocked", err: domainjob.Permanent(blocked), want: ClassBlocked},
		{name: "permanent", err: domainjob.Permanent(errors.New("bad payload")), want: ClassPermanent},
		{name: "infrastructure", err: domainjob.Infrastructure(errors.New("db down")), want: ClassInfrastructure},
		{name: "unmarked", err: errors.New("boom"), want: ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
