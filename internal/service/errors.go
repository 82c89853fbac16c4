package service

import (
	"errors"

	"github.com/target/mmk-jobqueue/internal/data"
	apperrors "github.com/target/mmk-jobqueue/internal/errors"
)

// toAppError translates store sentinels into API-visible errors. Anything it does not
// recognise goes through MapDBError, which leaves non-database errors untouched.
func toAppError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, data.ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "Job not found.")
	case errors.Is(err, data.ErrWebhookNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "Webhook not found.")
	case errors.Is(err, data.ErrDeliveryNotFound):
		return apperrors.Wrap(err, apperrors.ErrCodeNotFound, "Webhook delivery not found.")
	case errors.Is(err, data.ErrTenantRequired):
		return apperrors.ValidationField("tenant_id", "tenant_id is required")
	}
	return apperrors.MapDBError(err)
}

func validationError(err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeValidation, err.Error())
}
