// Package core declares the ports between the service layer and the job, progress and
// webhook stores.
package core

import (
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

// JobType is re-exported so HTTP handlers can name handler keys without importing model.
type JobType = model.JobType

// EnqueueRequest is re-exported for the submission boundary.
type EnqueueRequest = model.EnqueueRequest
