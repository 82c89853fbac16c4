package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{name: "message only", err: NotFound("Job not found."), want: "Job not found."},
		{
			name: "with cause",
			err:  Wrap(errors.New("no rows"), ErrCodeNotFound, "Job not found."),
			want: "Job not found.: no rows",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("claim: %w", Wrap(cause, ErrCodeUnavailable, "unavailable"))
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause through AppError")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code ErrorCode
	}{
		{name: "not found", err: NotFound("x"), code: ErrCodeNotFound},
		{name: "conflict", err: Conflict("x"), code: ErrCodeConflict},
		{name: "validation", err: Validation("x"), code: ErrCodeValidation},
		{name: "validation field", err: ValidationField("tenant_id", "x"), code: ErrCodeValidation},
		{name: "internal", err: Internal("x"), code: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message != "x" {
				t.Errorf("message = %q, want x", tt.err.Message)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	wrapped := fmt.Errorf("service: %w", ValidationField("resource", "resource is required"))

	if !IsValidation(wrapped) {
		t.Error("IsValidation should see through wrapping")
	}
	if IsNotFound(wrapped) || IsConflict(wrapped) {
		t.Error("a validation error is neither not_found nor conflict")
	}
	if got := GetField(wrapped); got != "resource" {
		t.Errorf("GetField = %q, want resource", got)
	}
	if GetCode(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
	if !IsNotFound(NotFound("gone")) || !IsConflict(Conflict("dup")) {
		t.Error("predicates should match their own constructors")
	}
}
