package errors

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_Codes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: fmt.Errorf("claim: %w", context.Canceled), wantCode: ErrCodeCanceled},
		{name: "no rows", err: pgx.ErrNoRows, wantCode: ErrCodeNotFound},
		{name: "bad conn", err: driver.ErrBadConn, wantCode: ErrCodeUnavailable},
		{
			name:     "connection exception class",
			err:      &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			wantCode: ErrCodeUnavailable,
		},
		{
			name:     "admin shutdown",
			err:      &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			wantCode: ErrCodeUnavailable,
		},
		{
			name:     "unhandled pg error",
			err:      &pgconn.PgError{Code: pgerrcode.DivisionByZero},
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.err)
			if code := GetCode(got); code != tt.wantCode {
				t.Fatalf("code = %q, want %q (err %v)", code, tt.wantCode, got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("mapped error should wrap the original")
			}
		})
	}
}

func TestMapDBError_Constraints(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantCode  ErrorCode
		wantField string
		wantMsg   string
	}{
		{
			name: "idempotency key conflict",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "jobs_tenant_idempotency_key_uidx",
				Detail:         "Key (tenant_id, idempotency_key)=(acme, abc) already exists.",
			},
			wantCode:  ErrCodeConflict,
			wantField: "idempotency_key",
			wantMsg:   "A job with the same idempotency key already exists.",
		},
		{
			name: "delivery for missing webhook",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.ForeignKeyViolation,
				ConstraintName: "webhook_deliveries_webhook_id_fkey",
			},
			wantCode:  ErrCodeForeignKey,
			wantField: "webhook_id",
			wantMsg:   "The webhook does not exist.",
		},
		{
			name: "progress event for missing job",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.ForeignKeyViolation,
				ConstraintName: "job_progress_events_job_id_fkey",
			},
			wantCode:  ErrCodeForeignKey,
			wantField: "job_id",
			wantMsg:   "The job does not exist.",
		},
		{
			name: "finish before start",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.CheckViolation,
				ConstraintName: "jobs_finished_after_started",
			},
			wantCode:  ErrCodeValidation,
			wantField: "finished_at",
			wantMsg:   "A job cannot finish before it started.",
		},
		{
			name: "unknown unique uses detail column",
			pgErr: &pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "webhooks_target_url_key",
				Detail:         "Key (target_url)=(https://hooks.example.com) already exists.",
			},
			wantCode:  ErrCodeConflict,
			wantField: "target_url",
			wantMsg:   "This value already exists.",
		},
		{
			name: "unknown multi-column unique names no field",
			pgErr: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: "Key (a, b)=(1, 2) already exists.",
			},
			wantCode: ErrCodeConflict,
			wantMsg:  "This value already exists.",
		},
		{
			name: "not null prefers column name",
			pgErr: &pgconn.PgError{
				Code:       pgerrcode.NotNullViolation,
				ColumnName: "tenant_id",
			},
			wantCode:  ErrCodeValidation,
			wantField: "tenant_id",
			wantMsg:   "Required field is missing.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(fmt.Errorf("insert: %w", tt.pgErr))
			var appErr *AppError
			if !errors.As(got, &appErr) {
				t.Fatalf("expected AppError, got %T", got)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", appErr.Code, tt.wantCode)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", appErr.Field, tt.wantField)
			}
			if appErr.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", appErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	orig := errors.New("boom")
	if got := MapDBError(orig); got != orig {
		t.Errorf("MapDBError should return unrecognised errors unchanged, got %v", got)
	}
}
