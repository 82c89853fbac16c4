package errors

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column list from "Key (a, b)=(x, y) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

type constraintInfo struct {
	field   string
	message string
}

// knownConstraints covers the schema's named constraints and indexes. Postgres
// generates the *_fkey names for the inline REFERENCES clauses.
var knownConstraints = map[string]constraintInfo{
	"jobs_tenant_idempotency_key_uidx": {
		field:   "idempotency_key",
		message: "A job with the same idempotency key already exists.",
	},
	"webhook_deliveries_webhook_job_uidx": {
		message: "A delivery for this webhook and job already exists.",
	},
	"job_progress_events_job_id_fkey": {
		field:   "job_id",
		message: "The job does not exist.",
	},
	"webhook_deliveries_job_id_fkey": {
		field:   "job_id",
		message: "The job does not exist.",
	},
	"webhook_deliveries_webhook_id_fkey": {
		field:   "webhook_id",
		message: "The webhook does not exist.",
	},
	"jobs_started_after_queued": {
		field:   "started_at",
		message: "A job cannot start before it was queued.",
	},
	"jobs_finished_after_started": {
		field:   "finished_at",
		message: "A job cannot finish before it started.",
	},
}

// MapDBError maps database errors to AppError instances:
//
//	context deadline / cancellation  -> timeout / canceled
//	connection failures              -> unavailable
//	pgx.ErrNoRows                    -> not_found
//	unique violation                 -> conflict
//	foreign key violation            -> foreign_key
//	check and not-null violations    -> validation
//
// Any other error is returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "Request timed out. Please try again.")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "Request was canceled.")
	case isConnectionError(err):
		return Wrap(err, ErrCodeUnavailable, "The job store is unavailable. Please try again.")
	case errors.Is(err, pgx.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "Resource not found.")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

// isConnectionError reports whether err means the database could not be reached,
// as opposed to a statement being rejected.
func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	return errors.Is(err, driver.ErrBadConn)
}

func mapPgError(pgErr *pgconn.PgError) error {
	var (
		code     ErrorCode
		fallback string
	)
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		code, fallback = ErrCodeConflict, "This value already exists."
	case pgerrcode.ForeignKeyViolation:
		code, fallback = ErrCodeForeignKey, "A referenced record does not exist."
	case pgerrcode.CheckViolation:
		code, fallback = ErrCodeValidation, "Invalid data. Please check your input."
	case pgerrcode.NotNullViolation:
		code, fallback = ErrCodeValidation, "Required field is missing."
	default:
		return Wrap(pgErr, ErrCodeInternal, "A database error occurred. Please try again.")
	}

	appErr := Wrap(pgErr, code, fallback)
	if info, ok := knownConstraints[pgErr.ConstraintName]; ok {
		appErr.Message = info.message
		appErr.Field = info.field
		return appErr
	}
	appErr.Field = fieldFromPgError(pgErr)
	return appErr
}

// fieldFromPgError prefers the server supplied column and falls back to the
// Detail text. Multi-column keys do not name a single field.
func fieldFromPgError(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	m := reKeyField.FindStringSubmatch(pgErr.Detail)
	if len(m) != 2 || strings.Contains(m[1], ",") {
		return ""
	}
	return strings.TrimSpace(m[1])
}
