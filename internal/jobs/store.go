package jobs

import (
	"context"
	"time"

	"github.com/adforge/api/internal/model"
)

// Store persists job records.
//
// Save is a compare-and-swap on Job.Version: it succeeds only when the stored
// record still carries job.Version (or, for Version 0, when no record exists),
// and bumps job.Version on success. A stale write returns ErrConflict.
//
// Listing methods return jobs newest first. BulkMarkExpired moves every job in
// status from whose ExpiresAt is before cutoff to status to, stamping
// UpdatedAt and CompletedAt with cutoff. DeleteOlderThan removes terminal jobs
// whose CompletedAt is before cutoff.
type Store interface {
	Save(ctx context.Context, job *model.Job) error
	FindByID(ctx context.Context, id string) (*model.Job, error)
	FindByOwner(ctx context.Context, ownerID string) ([]*model.Job, error)
	FindByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) ([]*model.Job, error)
	CountByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) (int64, error)
	BulkMarkExpired(ctx context.Context, from, to model.JobStatus, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Observer is told about every committed job write
type Observer interface {
	JobChanged(job *model.Job)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(job *model.Job)

func (f ObserverFunc) JobChanged(job *model.Job) { f(job) }
