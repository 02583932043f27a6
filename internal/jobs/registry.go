package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/model"
)

const maxWriteAttempts = 5

// Step labels written by the registry itself
const (
	StepCreated   = "Queued"
	StepCompleted = "Completed"
	StepFailed    = "Failed"
	StepCancelled = "Cancelled"
	StepExpired   = "Expired"
)

// MessageSerializationFailed is stored on jobs whose result could not be encoded
const MessageSerializationFailed = "Failed to serialize result data"

// Config holds the registry limits
type Config struct {
	ActiveQuota int
	Expiry      time.Duration
	Retention   time.Duration
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		ActiveQuota: 5,
		Expiry:      24 * time.Hour,
		Retention:   7 * 24 * time.Hour,
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver registers an observer for committed writes
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// Registry owns the job state machine. All writes go through it.
type Registry struct {
	store     Store
	cfg       Config
	log       logrus.FieldLogger
	now       func() time.Time
	observers []Observer
}

// NewRegistry creates a registry over store
func NewRegistry(store Store, cfg Config, log logrus.FieldLogger, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers o after construction
func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// CanCreate reports whether owner is below the active job quota
func (r *Registry) CanCreate(ctx context.Context, ownerID string) (bool, error) {
	n, err := r.store.CountByOwnerAndStatusIn(ctx, ownerID, model.ActiveStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n < int64(r.cfg.ActiveQuota), nil
}

// Create registers a new PENDING job for owner
func (r *Registry) Create(ctx context.Context, ownerID string, jobType model.JobType, totalSteps *int) (*model.Job, error) {
	ok, err := r.CanCreate(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	now := r.now()
	job := &model.Job{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Type:        jobType,
		Status:      model.JobStatusPending,
		Progress:    0,
		CurrentStep: StepCreated,
		TotalSteps:  totalSteps,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(r.cfg.Expiry),
	}
	if err := r.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	r.log.WithFields(logrus.Fields{"job_id": job.ID, "owner": ownerID, "type": jobType}).Info("Created async job")
	r.notify(job)
	return job.Clone(), nil
}

// Start moves a job to IN_PROGRESS
func (r *Registry) Start(ctx context.Context, jobID, step string) error {
	_, err := r.update(ctx, jobID, func(job *model.Job, now time.Time) error {
		if job.Status.IsTerminal() {
			return alreadyTerminal(job)
		}
		if job.Status == model.JobStatusPending {
			job.Status = model.JobStatusInProgress
			job.StartedAt = &now
		}
		job.CurrentStep = step
		return nil
	})
	return err
}

// UpdateProgress records progress for a running job. Progress is clamped to
// [0,100] and never moves backwards. Missing or terminal jobs are logged and
// skipped; the caller is never failed.
func (r *Registry) UpdateProgress(ctx context.Context, jobID string, progress int, step string) {
	progress = clamp(progress)
	_, err := r.update(ctx, jobID, func(job *model.Job, _ time.Time) error {
		if job.Status.IsTerminal() {
			return alreadyTerminal(job)
		}
		if progress > job.Progress {
			job.Progress = progress
		}
		if step != "" {
			job.CurrentStep = step
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"job_id": jobID, "progress": progress}).Warn("Skipped progress update")
	}
}

// Complete stores the result and moves the job to COMPLETED. A result that
// cannot be serialized fails the job instead.
func (r *Registry) Complete(ctx context.Context, jobID string, result interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		r.log.WithError(err).WithField("job_id", jobID).Error("Failed to serialize job result")
		if ferr := r.Fail(ctx, jobID, MessageSerializationFailed); ferr != nil {
			return errors.Join(fmt.Errorf("%w: %v", ErrSerialization, err), ferr)
		}
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	_, err = r.update(ctx, jobID, func(job *model.Job, now time.Time) error {
		if job.Status.IsTerminal() {
			return alreadyTerminal(job)
		}
		job.Status = model.JobStatusCompleted
		job.Progress = 100
		job.CurrentStep = StepCompleted
		job.ResultPayload = payload
		job.CompletedAt = &now
		return nil
	})
	if err == nil {
		r.log.WithField("job_id", jobID).Info("Completed async job")
	}
	return err
}

// Fail moves a non-terminal job to FAILED
func (r *Registry) Fail(ctx context.Context, jobID, message string) error {
	_, err := r.update(ctx, jobID, func(job *model.Job, now time.Time) error {
		if job.Status.IsTerminal() {
			return alreadyTerminal(job)
		}
		job.Status = model.JobStatusFailed
		job.CurrentStep = StepFailed
		job.ErrorMessage = &message
		job.CompletedAt = &now
		return nil
	})
	if err == nil {
		r.log.WithFields(logrus.Fields{"job_id": jobID, "error": message}).Warn("Failed async job")
	}
	return err
}

// Cancel moves an owned, non-terminal job to CANCELLED
func (r *Registry) Cancel(ctx context.Context, jobID, ownerID string) (*model.Job, error) {
	job, err := r.update(ctx, jobID, func(job *model.Job, now time.Time) error {
		if job.OwnerID != ownerID {
			return ErrForbidden
		}
		if job.Status.IsTerminal() {
			return alreadyTerminal(job)
		}
		job.Status = model.JobStatusCancelled
		job.CurrentStep = StepCancelled
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"job_id": jobID, "owner": ownerID}).Info("Cancelled async job")
	return job, nil
}

// EnsureRunnable returns the job if a pipeline may keep working on it. A job
// found past its expiry is moved to EXPIRED on the spot.
func (r *Registry) EnsureRunnable(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, alreadyTerminal(job)
	}
	if r.now().Before(job.ExpiresAt) {
		return job, nil
	}

	expired, err := r.update(ctx, jobID, func(job *model.Job, now time.Time) error {
		if job.Status.IsTerminal() {
			return alreadyTerminal(job)
		}
		job.Status = model.JobStatusExpired
		job.CurrentStep = StepExpired
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nil, alreadyTerminal(expired)
}

// Get returns a job by id
func (r *Registry) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return r.store.FindByID(ctx, jobID)
}

// GetOwned returns a job by id if it belongs to owner
func (r *Registry) GetOwned(ctx context.Context, jobID, ownerID string) (*model.Job, error) {
	job, err := r.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return job, nil
}

// Result returns the stored result of an owned, completed job
func (r *Registry) Result(ctx context.Context, jobID, ownerID string) (json.RawMessage, error) {
	job, err := r.GetOwned(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrNotCompleted
	}
	return job.ResultPayload, nil
}

// ListOwned returns all jobs of owner, newest first
func (r *Registry) ListOwned(ctx context.Context, ownerID string) ([]*model.Job, error) {
	return r.store.FindByOwner(ctx, ownerID)
}

// ListActive returns the PENDING and IN_PROGRESS jobs of owner, newest first
func (r *Registry) ListActive(ctx context.Context, ownerID string) ([]*model.Job, error) {
	return r.store.FindByOwnerAndStatusIn(ctx, ownerID, model.ActiveStatuses)
}

// SweepResult reports what one sweep changed
type SweepResult struct {
	Expired int64
	Deleted int64
}

// Sweep expires overdue active jobs and deletes terminal jobs older than the
// retention period
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	for _, from := range model.ActiveStatuses {
		n, err := r.store.BulkMarkExpired(ctx, from, model.JobStatusExpired, now)
		if err != nil {
			return res, fmt.Errorf("failed to expire %s jobs: %w", from, err)
		}
		res.Expired += n
	}

	n, err := r.store.DeleteOlderThan(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	res.Deleted = n

	if res.Expired > 0 || res.Deleted > 0 {
		r.log.WithFields(logrus.Fields{"expired": res.Expired, "deleted": res.Deleted}).Info("Swept async jobs")
	}
	return res, nil
}

// update loads the job, applies mutate and writes it back, retrying on
// version conflicts. mutate sees a fresh copy each attempt.
func (r *Registry) update(ctx context.Context, jobID string, mutate func(job *model.Job, now time.Time) error) (*model.Job, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		job, err := r.store.FindByID(ctx, jobID)
		if err != nil {
			return nil, err
		}

		now := r.now()
		if err := mutate(job, now); err != nil {
			return nil, err
		}
		job.UpdatedAt = now

		err = r.store.Save(ctx, job)
		if errors.Is(err, ErrConflict) {
			r.log.WithFields(logrus.Fields{"job_id": jobID, "attempt": attempt + 1}).Debug("Job write conflict, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save job: %w", err)
		}

		r.notify(job)
		return job.Clone(), nil
	}
	return nil, fmt.Errorf("job %s: %w after %d attempts", jobID, ErrConflict, maxWriteAttempts)
}

func (r *Registry) notify(job *model.Job) {
	for _, o := range r.observers {
		o.JobChanged(job.Clone())
	}
}

func clamp(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
