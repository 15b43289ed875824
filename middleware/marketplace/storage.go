package marketplace

import (
	"context"

	core "marketplace-backend/core/marketplace"
)

var (
	ErrValidation    = Err("message failed validation")
	ErrStateConflict = Err("operation not allowed in current job state")
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

// Store abstracts job persistence. CompareAndTransition is the single
// mutation primitive: it advances the status only when the current status
// equals expected, so concurrent handlers for one job serialize on it.
type Store interface {
	CreateJob(ctx context.Context, job core.Job) error
	GetJob(ctx context.Context, jobID string) (core.Job, error)
	CompareAndTransition(ctx context.Context, jobID string, expected, next core.JobStatus, reason string, mutate func(*core.Job)) (core.Job, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]core.Job, error)
	Close()
}
