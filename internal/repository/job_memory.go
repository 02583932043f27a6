package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/model"
)

// MemoryJobStore keeps job records in process memory for development and tests
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.Job)}
}

func (s *MemoryJobStore) Save(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobs[job.ID]
	switch {
	case !exists && job.Version != 0:
		return jobs.ErrConflict
	case exists && current.Version != job.Version:
		return jobs.ErrConflict
	}

	job.Version++
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStore) FindByID(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) FindByOwner(_ context.Context, ownerID string) ([]*model.Job, error) {
	return s.filter(func(j *model.Job) bool { return j.OwnerID == ownerID }), nil
}

func (s *MemoryJobStore) FindByOwnerAndStatusIn(_ context.Context, ownerID string, statuses []model.JobStatus) ([]*model.Job, error) {
	return s.filter(func(j *model.Job) bool {
		return j.OwnerID == ownerID && slices.Contains(statuses, j.Status)
	}), nil
}

func (s *MemoryJobStore) CountByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) (int64, error) {
	found, _ := s.FindByOwnerAndStatusIn(ctx, ownerID, statuses)
	return int64(len(found)), nil
}

func (s *MemoryJobStore) BulkMarkExpired(_ context.Context, from, to model.JobStatus, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, job := range s.jobs {
		if job.Status != from || !job.ExpiresAt.Before(cutoff) {
			continue
		}
		at := cutoff
		job.Status = to
		job.CurrentStep = jobs.StepExpired
		job.UpdatedAt = at
		job.CompletedAt = &at
		job.Version++
		n++
	}
	return n, nil
}

func (s *MemoryJobStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryJobStore) filter(keep func(*model.Job) bool) []*model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

var _ jobs.Store = (*MemoryJobStore)(nil)
