package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/model"
)

const (
	jobKeyPrefix  = "job:"
	ownerKeyFmt   = "jobs:owner:%s"
	statusKeyFmt  = "jobs:status:%s"
	terminalKey   = "jobs:terminal"
	keyExpirySlop = time.Hour
)

// RedisJobStore keeps each job as a JSON document under job:{id}. Sorted sets
// index jobs by owner, by active status (scored by expiry) and by completion
// time for the retention sweep.
type RedisJobStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisJobStore creates a store. retention bounds how long a record key
// may live past its job's completion; the sweep normally deletes it first.
func NewRedisJobStore(client *redis.Client, retention time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, retention: retention}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func jobKey(id string) string { return jobKeyPrefix + id }

func ownerKey(owner string) string { return fmt.Sprintf(ownerKeyFmt, owner) }

func statusKey(status model.JobStatus) string { return fmt.Sprintf(statusKeyFmt, status) }

func (s *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, job.ID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			if job.Version != 0 {
				return jobs.ErrConflict
			}
		case err != nil:
			return err
		case current.Version != job.Version:
			return jobs.ErrConflict
		}

		next := job.Clone()
		next.Version++
		if err := s.write(ctx, tx, next); err != nil {
			return err
		}
		job.Version = next.Version
		return nil
	}, jobKey(job.ID))

	if errors.Is(err, redis.TxFailedErr) {
		return jobs.ErrConflict
	}
	return err
}

func (s *RedisJobStore) FindByID(ctx context.Context, id string) (*model.Job, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisJobStore) FindByOwner(ctx context.Context, ownerID string) ([]*model.Job, error) {
	ids, err := s.client.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list owner jobs: %w", err)
	}
	return s.loadMany(ctx, ownerID, ids)
}

func (s *RedisJobStore) FindByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) ([]*model.Job, error) {
	all, err := s.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(all))
	for _, job := range all {
		if slices.Contains(statuses, job.Status) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *RedisJobStore) CountByOwnerAndStatusIn(ctx context.Context, ownerID string, statuses []model.JobStatus) (int64, error) {
	found, err := s.FindByOwnerAndStatusIn(ctx, ownerID, statuses)
	if err != nil {
		return 0, err
	}
	return int64(len(found)), nil
}

func (s *RedisJobStore) BulkMarkExpired(ctx context.Context, from, to model.JobStatus, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, statusKey(from), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s jobs: %w", from, err)
	}

	var n int64
	for _, id := range ids {
		changed, err := s.apply(ctx, id, func(job *model.Job) bool {
			if job.Status != from || !job.ExpiresAt.Before(cutoff) {
				return false
			}
			at := cutoff
			job.Status = to
			job.CurrentStep = jobs.StepExpired
			job.UpdatedAt = at
			job.CompletedAt = &at
			return true
		})
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (s *RedisJobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, terminalKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan terminal jobs: %w", err)
	}

	var n int64
	for _, id := range ids {
		job, err := s.FindByID(ctx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			s.client.ZRem(ctx, terminalKey, id)
			continue
		}
		if err != nil {
			return n, err
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, jobKey(id))
			pipe.ZRem(ctx, ownerKey(job.OwnerID), id)
			pipe.ZRem(ctx, terminalKey, id)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to delete job %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// apply runs mutate under WATCH and writes the job back if it reports a change
func (s *RedisJobStore) apply(ctx context.Context, id string, mutate func(*model.Job) bool) (bool, error) {
	var changed bool
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, id)
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !mutate(job) {
			return nil
		}
		job.Version++
		if err := s.write(ctx, tx, job); err != nil {
			return err
		}
		changed = true
		return nil
	}, jobKey(id))

	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer got there first; the next sweep sees the fresh state.
		return false, nil
	}
	return changed, err
}

// keyDeadline is when Redis may drop the record on its own. Terminal jobs keep
// their key for the full retention period after completion.
func (s *RedisJobStore) keyDeadline(job *model.Job) time.Time {
	if job.Status.IsTerminal() {
		return completedAt(job).Add(s.retention + keyExpirySlop)
	}
	return job.ExpiresAt.Add(s.retention + keyExpirySlop)
}

func completedAt(job *model.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.UpdatedAt
}

func (s *RedisJobStore) write(ctx context.Context, tx *redis.Tx, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := jobKey(job.ID)
		pipe.Set(ctx, key, data, 0)
		pipe.PExpireAt(ctx, key, s.keyDeadline(job))
		pipe.ZAdd(ctx, ownerKey(job.OwnerID), redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
		for _, st := range model.ActiveStatuses {
			pipe.ZRem(ctx, statusKey(st), job.ID)
		}
		if job.Status.IsTerminal() {
			pipe.ZAdd(ctx, terminalKey, redis.Z{Score: float64(completedAt(job).UnixMilli()), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, statusKey(job.Status), redis.Z{Score: float64(job.ExpiresAt.UnixMilli()), Member: job.ID})
		}
		return nil
	})
	return err
}

func (s *RedisJobStore) load(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisJobStore) loadMany(ctx context.Context, ownerID string, ids []string) ([]*model.Job, error) {
	out := make([]*model.Job, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s: %w", ids[i], err)
		}
		out = append(out, &job)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, ownerKey(ownerID), stale...)
	}
	return out, nil
}

var _ jobs.Store = (*RedisJobStore)(nil)
