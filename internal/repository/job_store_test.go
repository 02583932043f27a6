package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/model"
)

func newJob(owner string, createdAt time.Time) *model.Job {
	return &model.Job{
		ID:          uuid.New().String(),
		OwnerID:     owner,
		Type:        model.JobTypeContentGeneration,
		Status:      model.JobStatusPending,
		CurrentStep: jobs.StepCreated,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(24 * time.Hour),
	}
}

// runStoreContract exercises the behaviour every jobs.Store must share
func runStoreContract(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	t.Run("save and find", func(t *testing.T) {
		owner := uuid.New().String()
		job := newJob(owner, base)
		steps := 4
		job.TotalSteps = &steps

		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("save: %v", err)
		}
		if job.Version != 1 {
			t.Errorf("expected version 1 after insert, got %d", job.Version)
		}

		got, err := store.FindByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.OwnerID != owner || got.Status != model.JobStatusPending || got.Version != 1 {
			t.Errorf("unexpected job %+v", got)
		}
		if got.TotalSteps == nil || *got.TotalSteps != 4 {
			t.Errorf("expected total steps 4, got %v", got.TotalSteps)
		}
		if !got.ExpiresAt.Equal(job.ExpiresAt) {
			t.Errorf("expected expiry %v, got %v", job.ExpiresAt, got.ExpiresAt)
		}

		if _, err := store.FindByID(ctx, uuid.New().String()); !errors.Is(err, jobs.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("stale write conflicts", func(t *testing.T) {
		job := newJob(uuid.New().String(), base)
		if err := store.Save(ctx, job); err != nil {
			t.Fatalf("save: %v", err)
		}

		a, _ := store.FindByID(ctx, job.ID)
		b, _ := store.FindByID(ctx, job.ID)

		a.Progress = 10
		if err := store.Save(ctx, a); err != nil {
			t.Fatalf("first writer: %v", err)
		}
		b.Progress = 20
		if err := store.Save(ctx, b); !errors.Is(err, jobs.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		dup := newJob(job.OwnerID, base)
		dup.ID = job.ID
		if err := store.Save(ctx, dup); !errors.Is(err, jobs.ErrConflict) {
			t.Fatalf("expected ErrConflict on duplicate insert, got %v", err)
		}

		got, _ := store.FindByID(ctx, job.ID)
		if got.Progress != 10 || got.Version != 2 {
			t.Errorf("expected progress 10 at version 2, got %d at %d", got.Progress, got.Version)
		}
	})

	t.Run("owner queries", func(t *testing.T) {
		owner := uuid.New().String()
		older := newJob(owner, base)
		newer := newJob(owner, base.Add(time.Second))
		done := newJob(owner, base.Add(2*time.Second))
		done.Status = model.JobStatusCompleted
		completed := base.Add(3 * time.Second)
		done.CompletedAt = &completed
		other := newJob(uuid.New().String(), base)

		for _, j := range []*model.Job{older, newer, done, other} {
			if err := store.Save(ctx, j); err != nil {
				t.Fatalf("save: %v", err)
			}
		}

		all, err := store.FindByOwner(ctx, owner)
		if err != nil {
			t.Fatalf("find by owner: %v", err)
		}
		if len(all) != 3 || all[0].ID != done.ID || all[2].ID != older.ID {
			t.Fatalf("expected 3 jobs newest first, got %d", len(all))
		}

		active, err := store.FindByOwnerAndStatusIn(ctx, owner, model.ActiveStatuses)
		if err != nil {
			t.Fatalf("find active: %v", err)
		}
		if len(active) != 2 || active[0].ID != newer.ID {
			t.Fatalf("unexpected active jobs %d", len(active))
		}

		n, err := store.CountByOwnerAndStatusIn(ctx, owner, model.ActiveStatuses)
		if err != nil || n != 2 {
			t.Fatalf("expected 2 active, got %d (err %v)", n, err)
		}
	})

	t.Run("bulk expire and purge", func(t *testing.T) {
		owner := uuid.New().String()
		overdue := newJob(owner, base.Add(-30*time.Hour))
		fresh := newJob(owner, base)
		for _, j := range []*model.Job{overdue, fresh} {
			if err := store.Save(ctx, j); err != nil {
				t.Fatalf("save: %v", err)
			}
		}

		n, err := store.BulkMarkExpired(ctx, model.JobStatusPending, model.JobStatusExpired, base)
		if err != nil {
			t.Fatalf("bulk expire: %v", err)
		}
		if n < 1 {
			t.Fatalf("expected at least one expired job, got %d", n)
		}

		got, _ := store.FindByID(ctx, overdue.ID)
		if got.Status != model.JobStatusExpired || got.CompletedAt == nil || got.Version != 2 {
			t.Fatalf("unexpected expired job %+v", got)
		}
		if got, _ := store.FindByID(ctx, fresh.ID); got.Status != model.JobStatusPending {
			t.Fatalf("fresh job changed to %s", got.Status)
		}

		deleted, err := store.DeleteOlderThan(ctx, base.Add(time.Millisecond))
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if deleted < 1 {
			t.Fatalf("expected at least one deleted job, got %d", deleted)
		}
		if _, err := store.FindByID(ctx, overdue.ID); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("expected purged job, got %v", err)
		}
		if _, err := store.FindByID(ctx, fresh.ID); err != nil {
			t.Fatalf("active job must survive purge: %v", err)
		}
	})
}

func TestMemoryJobStore(t *testing.T) {
	runStoreContract(t, NewMemoryJobStore())
}

func TestMemoryJobStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryJobStore()
	ctx := context.Background()
	job := newJob("user-1", time.Now())
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := store.FindByID(ctx, job.ID)
	got.Status = model.JobStatusFailed

	again, _ := store.FindByID(ctx, job.ID)
	if again.Status != model.JobStatusPending {
		t.Fatal("mutating a returned job changed the stored record")
	}
}

func TestRedisJobStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)

	runStoreContract(t, NewRedisJobStore(client, 7*24*time.Hour))
}

func TestRedisJobStore_KeyDeadline(t *testing.T) {
	retention := 7 * 24 * time.Hour
	store := NewRedisJobStore(nil, retention)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	active := newJob("user-1", created)
	if got, want := store.keyDeadline(active), active.ExpiresAt.Add(retention+keyExpirySlop); !got.Equal(want) {
		t.Errorf("active job: expected %v, got %v", want, got)
	}

	// Expired by a sweep that ran two days late
	expired := newJob("user-1", created)
	sweptAt := expired.ExpiresAt.Add(48 * time.Hour)
	expired.Status = model.JobStatusExpired
	expired.UpdatedAt = sweptAt
	expired.CompletedAt = &sweptAt

	got := store.keyDeadline(expired)
	if want := sweptAt.Add(retention + keyExpirySlop); !got.Equal(want) {
		t.Errorf("expired job: expected %v, got %v", want, got)
	}
	if !got.After(sweptAt.Add(retention)) {
		t.Errorf("key must outlive the retention period after completion, deadline %v", got)
	}
}

func TestRedisJobStore_TerminalKeyTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	retention := 7 * 24 * time.Hour
	store := NewRedisJobStore(client, retention)

	now := time.Now().Truncate(time.Millisecond)
	job := newJob(uuid.New().String(), now.Add(-72*time.Hour))
	if err := store.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n, err := store.BulkMarkExpired(ctx, model.JobStatusPending, model.JobStatusExpired, now); err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}

	ttl, err := client.PTTL(ctx, jobKey(job.ID)).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl < retention {
		t.Errorf("expected the key to live at least %v after expiry, ttl %v", retention, ttl)
	}
}

func TestPostgresJobStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	store := NewPostgresJobStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Exec("DELETE FROM async_jobs") })

	runStoreContract(t, store)
}
