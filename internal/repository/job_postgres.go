package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/model"
)

var terminalStatuses = []model.JobStatus{
	model.JobStatusCompleted,
	model.JobStatusFailed,
	model.JobStatusCancelled,
	model.JobStatusExpired,
}

// jobRecord is the async_jobs row
type jobRecord struct {
	ID            string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID       string `gorm:"type:varchar(128);not null;index:idx_async_jobs_owner_status,priority:1"`
	Type          string `gorm:"type:varchar(32);not null"`
	Status        string `gorm:"type:varchar(16);not null;index:idx_async_jobs_owner_status,priority:2;index:idx_async_jobs_status_expires,priority:1"`
	Progress      int    `gorm:"not null;default:0"`
	CurrentStep   string `gorm:"type:varchar(255)"`
	TotalSteps    *int
	ResultPayload datatypes.JSON
	ErrorMessage  *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
	StartedAt     *time.Time
	CompletedAt   *time.Time `gorm:"index"`
	ExpiresAt     time.Time  `gorm:"not null;index:idx_async_jobs_status_expires,priority:2"`
	Version       int64      `gorm:"not null;default:0"`
}

func (jobRecord) TableName() string {
	return "async_jobs"
}

func toRecord(j *model.Job) *jobRecord {
	return &jobRecord{
		ID:            j.ID,
		OwnerID:       j.OwnerID,
		Type:          string(j.Type),
		Status:        string(j.Status),
		Progress:      j.Progress,
		CurrentStep:   j.CurrentStep,
		TotalSteps:    j.TotalSteps,
		ResultPayload: datatypes.JSON(j.ResultPayload),
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		ExpiresAt:     j.ExpiresAt,
		Version:       j.Version,
	}
}

func (r *jobRecord) toModel() *model.Job {
	job := &model.Job{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Type:         model.JobType(r.Type),
		Status:       model.JobStatus(r.Status),
		Progress:     r.Progress,
		CurrentStep:  r.CurrentStep,
		TotalSteps:   r.TotalSteps,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ExpiresAt:    r.ExpiresAt,
		Version:      r.Version,
	}
	if len(r.ResultPayload) > 0 {
		job.ResultPayload = json.RawMessage(r.ResultPayload)
	}
	return job
}

// PostgresJobStore keeps job records in the async_jobs table
type PostgresJobStore struct {
	db *gorm.DB
}

func NewPostgresJobStore(db *gorm.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

// Migrate creates or updates the async_jobs table
func (s *PostgresJobStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRecord{})
}

func (s *PostgresJobStore) Save(ctx context.Context, job *model.Job) error {
	rec := toRecord(job)
	rec.Version = job.Version + 1

	if job.Version == 0 {
		err := s.db.WithContext(ctx).Create(rec).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return jobs.ErrConflict
		}
		if err != nil {
			return err
		}
		job.Version = rec.Version
		return nil
	}

	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND version = ?", job.ID, job.Version).
		Updates(map[string]interface{}{
			"status":         rec.Status,
			"progress":       rec.Progress,
			"current_step":   rec.CurrentStep,
			"total_steps":    rec.TotalSteps,
			"result_payload": rec.ResultPayload,
			"error_message":  rec.ErrorMessage,
			"updated_at":     rec.UpdatedAt,
			"started_at":     rec.StartedAt,
			"completed_at":   rec.CompletedAt,
			"version":        rec.Version,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return jobs.ErrConflict
	}
	job.Version = rec.Version
	return nil
}

func (s *PostgresJobStore) FindByID(ctx context.Context, id string) (*model.Job, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	return rec.toModel(), nil
}

func (s *PostgresJobStore) FindByOwner(ctx context.Context, ownerID string) ([]*model.Job, error) {
	var recs []jobRecord
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toModels(recs), nil
}

func (s *PostgresJobStore) FindByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) ([]*model.Job, error) {
	var recs []jobRecord
	err := s.db.WithContext(ctx).Where("owner_id = ? AND status IN ?", ownerID, statuses).
		Order("created_at DESC").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toModels(recs), nil
}

func (s *PostgresJobStore) CountByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("owner_id = ? AND status IN ?", ownerID, statuses).Count(&n).Error
	return n, err
}

func (s *PostgresJobStore) BulkMarkExpired(ctx context.Context, from, to model.JobStatus, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("status = ? AND expires_at < ?", from, cutoff).
		Updates(map[string]interface{}{
			"status":       to,
			"current_step": jobs.StepExpired,
			"updated_at":   cutoff,
			"completed_at": cutoff,
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark expired jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresJobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", terminalStatuses, cutoff).
		Delete(&jobRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toModels(recs []jobRecord) []*model.Job {
	out := make([]*model.Job, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toModel())
	}
	return out
}

var _ jobs.Store = (*PostgresJobStore)(nil)
