// Package errors labels failures for metric tags.
package errors

import (
	"context"
	goerrors "errors"

	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/safefetch"
)

// Labels returned by Classify.
const (
	ClassTimeout        = "timeout"
	ClassCanceled       = "canceled"
	ClassBlocked        = "blocked"
	ClassTransient      = "transient"
	ClassPermanent      = "permanent"
	ClassInfrastructure = "infrastructure"
)

// Classify returns a low-cardinality label for err suitable for tagging metrics and logs.
// Deadline and SSRF rejections are reported ahead of the job error class they carry.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case goerrors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case goerrors.Is(err, context.Canceled), goerrors.Is(err, domainjob.ErrCanceled):
		return ClassCanceled
	case safefetch.IsBlocked(err):
		return ClassBlocked
	}

	switch domainjob.Classify(err) {
	case domainjob.ClassPermanent:
		return ClassPermanent
	case domainjob.ClassInfrastructure:
		return ClassInfrastructure
	default:
		return ClassTransient
	}
}
