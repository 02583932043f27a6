package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T, opts ...jobs.Option) (*jobs.Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]jobs.Option{jobs.WithClock(clock.Now)}, opts...)
	return jobs.NewRegistry(repository.NewMemoryJobStore(), jobs.DefaultConfig(), logger.Discard(), opts...), clock
}

func mustCreate(t *testing.T, r *jobs.Registry, owner string) *model.Job {
	t.Helper()
	job, err := r.Create(context.Background(), owner, model.JobTypeContentGeneration, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return job
}

func mustGet(t *testing.T, r *jobs.Registry, id string) *model.Job {
	t.Helper()
	job, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	return job
}

func TestCreate_InitialState(t *testing.T) {
	r, clock := newRegistry(t)

	job := mustCreate(t, r, "user-1")

	if job.Status != model.JobStatusPending {
		t.Errorf("expected PENDING, got %s", job.Status)
	}
	if job.Progress != 0 {
		t.Errorf("expected progress 0, got %d", job.Progress)
	}
	if job.CurrentStep != jobs.StepCreated {
		t.Errorf("expected step %q, got %q", jobs.StepCreated, job.CurrentStep)
	}
	if want := clock.Now().Add(24 * time.Hour); !job.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, job.ExpiresAt)
	}
	if job.ID == "" {
		t.Error("expected a job id")
	}
}

func TestCreate_QuotaExceeded(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreate(t, r, "user-1")
	}

	ok, err := r.CanCreate(ctx, "user-1")
	if err != nil || ok {
		t.Fatalf("expected CanCreate false, got %v (err %v)", ok, err)
	}
	if _, err := r.Create(ctx, "user-1", model.JobTypeContentGeneration, nil); !errors.Is(err, jobs.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// Other owners are unaffected
	mustCreate(t, r, "user-2")
}

func TestCreate_TerminalJobsFreeQuota(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	var first *model.Job
	for i := 0; i < 5; i++ {
		job := mustCreate(t, r, "user-1")
		if first == nil {
			first = job
		}
	}

	if err := r.Fail(ctx, first.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	mustCreate(t, r, "user-1")
}

func TestLifecycle_Complete(t *testing.T) {
	r, clock := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")

	clock.Advance(time.Second)
	if err := r.Start(ctx, job.ID, "Working"); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := mustGet(t, r, job.ID)
	if started.Status != model.JobStatusInProgress || started.StartedAt == nil {
		t.Fatalf("expected IN_PROGRESS with startedAt, got %s", started.Status)
	}

	r.UpdateProgress(ctx, job.ID, 40, "Halfway")
	if err := r.Complete(ctx, job.ID, map[string]string{"headline": "hi"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done := mustGet(t, r, job.ID)
	if done.Status != model.JobStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", done.Status)
	}
	if done.Progress != 100 {
		t.Errorf("expected progress 100, got %d", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Error("expected completedAt")
	}
	if string(done.ResultPayload) != `{"headline":"hi"}` {
		t.Errorf("unexpected payload %s", done.ResultPayload)
	}

	result, err := r.Result(ctx, job.ID, "user-1")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if string(result) != `{"headline":"hi"}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	tests := []struct {
		name     string
		finish   func(r *jobs.Registry, id string) error
		expected model.JobStatus
		message  string
	}{
		{
			name:     "completed",
			finish:   func(r *jobs.Registry, id string) error { return r.Complete(context.Background(), id, "ok") },
			expected: model.JobStatusCompleted,
			message:  "already completed",
		},
		{
			name:     "failed",
			finish:   func(r *jobs.Registry, id string) error { return r.Fail(context.Background(), id, "boom") },
			expected: model.JobStatusFailed,
			message:  "already failed",
		},
		{
			name: "cancelled",
			finish: func(r *jobs.Registry, id string) error {
				_, err := r.Cancel(context.Background(), id, "user-1")
				return err
			},
			expected: model.JobStatusCancelled,
			message:  "already cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRegistry(t)
			ctx := context.Background()
			job := mustCreate(t, r, "user-1")

			if err := tt.finish(r, job.ID); err != nil {
				t.Fatalf("finish: %v", err)
			}
			before := mustGet(t, r, job.ID)

			if err := r.Start(ctx, job.ID, "again"); !errors.Is(err, jobs.ErrAlreadyTerminal) {
				t.Errorf("start: expected ErrAlreadyTerminal, got %v", err)
			}
			if err := r.Complete(ctx, job.ID, "late"); !errors.Is(err, jobs.ErrAlreadyTerminal) {
				t.Errorf("complete: expected ErrAlreadyTerminal, got %v", err)
			}
			if err := r.Fail(ctx, job.ID, "late"); !errors.Is(err, jobs.ErrAlreadyTerminal) {
				t.Errorf("fail: expected ErrAlreadyTerminal, got %v", err)
			}
			_, err := r.Cancel(ctx, job.ID, "user-1")
			var terr *jobs.TransitionError
			if !errors.As(err, &terr) {
				t.Fatalf("cancel: expected TransitionError, got %v", err)
			}
			if terr.Status != tt.expected {
				t.Errorf("expected status %s in error, got %s", tt.expected, terr.Status)
			}
			if want := "job " + job.ID + " " + tt.message; err.Error() != want {
				t.Errorf("expected message %q, got %q", want, err.Error())
			}

			r.UpdateProgress(ctx, job.ID, 10, "ignored")
			after := mustGet(t, r, job.ID)
			if after.Status != tt.expected || after.Progress != before.Progress || after.CurrentStep != before.CurrentStep {
				t.Errorf("terminal job changed: %+v", after)
			}
		})
	}
}

func TestUpdateProgress_ClampedAndMonotonic(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")

	tests := []struct {
		progress int
		step     string
		want     int
	}{
		{30, "thirty", 30},
		{10, "lower", 30},
		{150, "over", 100},
		{-5, "under", 100},
	}
	for _, tt := range tests {
		r.UpdateProgress(ctx, job.ID, tt.progress, tt.step)
		got := mustGet(t, r, job.ID)
		if got.Progress != tt.want {
			t.Errorf("after %d: expected progress %d, got %d", tt.progress, tt.want, got.Progress)
		}
		if got.CurrentStep != tt.step {
			t.Errorf("after %d: expected step %q, got %q", tt.progress, tt.step, got.CurrentStep)
		}
	}
}

func TestUpdateProgress_MissingJobIsIgnored(t *testing.T) {
	r, _ := newRegistry(t)
	r.UpdateProgress(context.Background(), "does-not-exist", 50, "step")
}

func TestCancel_Ownership(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")

	if _, err := r.Cancel(ctx, job.ID, "intruder"); !errors.Is(err, jobs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := mustGet(t, r, job.ID); got.Status != model.JobStatusPending {
		t.Fatalf("job changed after forbidden cancel: %s", got.Status)
	}
	if _, err := r.Cancel(ctx, "missing", "user-1"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cancelled, err := r.Cancel(ctx, job.ID, "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.JobStatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("unexpected cancelled job %+v", cancelled)
	}
}

func TestGetOwned_And_Result(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")

	if _, err := r.GetOwned(ctx, job.ID, "user-2"); !errors.Is(err, jobs.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := r.Result(ctx, job.ID, "user-1"); !errors.Is(err, jobs.ErrNotCompleted) {
		t.Errorf("expected ErrNotCompleted, got %v", err)
	}
}

func TestComplete_UnserializableResultFailsJob(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")

	err := r.Complete(ctx, job.ID, map[string]interface{}{"bad": make(chan int)})
	if !errors.Is(err, jobs.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}

	got := mustGet(t, r, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != jobs.MessageSerializationFailed {
		t.Fatalf("expected fixed message %q, got %v", jobs.MessageSerializationFailed, got.ErrorMessage)
	}
}

func TestEnsureRunnable(t *testing.T) {
	r, clock := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")

	if _, err := r.EnsureRunnable(ctx, job.ID); err != nil {
		t.Fatalf("fresh job should be runnable: %v", err)
	}

	clock.Advance(25 * time.Hour)
	if _, err := r.EnsureRunnable(ctx, job.ID); !errors.Is(err, jobs.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if got := mustGet(t, r, job.ID); got.Status != model.JobStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}

	if _, err := r.EnsureRunnable(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweep_ExpiresAndPurges(t *testing.T) {
	r, clock := newRegistry(t)
	ctx := context.Background()

	pending := mustCreate(t, r, "user-1")
	running := mustCreate(t, r, "user-1")
	if err := r.Start(ctx, running.ID, "Working"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := mustCreate(t, r, "user-1")
	if err := r.Complete(ctx, done.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Not yet due
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 0 || res.Deleted != 0 {
		t.Fatalf("expected nothing swept, got %+v", res)
	}

	clock.Advance(24*time.Hour + time.Minute)
	res, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 2 {
		t.Errorf("expected 2 expired, got %d", res.Expired)
	}
	for _, id := range []string{pending.ID, running.ID} {
		if got := mustGet(t, r, id); got.Status != model.JobStatusExpired {
			t.Errorf("job %s: expected EXPIRED, got %s", id, got.Status)
		}
	}
	active, err := r.ListActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expired jobs must not be listed as active, got %d", len(active))
	}
	ok, _ := r.CanCreate(ctx, "user-1")
	if !ok {
		t.Error("expired jobs should not count against quota")
	}

	clock.Advance(7*24*time.Hour + time.Hour)
	res, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", res.Deleted)
	}
	if _, err := r.Get(ctx, done.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("expected purged job to be gone, got %v", err)
	}
}

func TestListActive_NewestFirst(t *testing.T) {
	r, clock := newRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, "user-1")
	clock.Advance(time.Second)
	b := mustCreate(t, r, "user-1")
	clock.Advance(time.Second)
	c := mustCreate(t, r, "user-1")
	if err := r.Fail(ctx, b.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	active, err := r.ListActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].ID != c.ID || active[1].ID != a.ID {
		t.Fatalf("unexpected active list %+v", active)
	}

	all, _ := r.ListOwned(ctx, "user-1")
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
}

func TestObserversSeeCommittedWrites(t *testing.T) {
	var mu sync.Mutex
	var seen []model.JobStatus
	r, _ := newRegistry(t, jobs.WithObserver(jobs.ObserverFunc(func(job *model.Job) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job.Status)
	})))
	ctx := context.Background()

	job := mustCreate(t, r, "user-1")
	_ = r.Start(ctx, job.ID, "Working")
	_ = r.Complete(ctx, job.ID, "ok")
	_ = r.Fail(ctx, job.ID, "rejected")

	want := []model.JobStatus{model.JobStatusPending, model.JobStatusInProgress, model.JobStatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestConcurrentWritersKeepOneTerminalState(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	job := mustCreate(t, r, "user-1")
	_ = r.Start(ctx, job.ID, "Working")

	var wg sync.WaitGroup
	results := make(chan error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); results <- r.Complete(ctx, job.ID, "ok") }()
	go func() { defer wg.Done(); results <- r.Fail(ctx, job.ID, "boom") }()
	go func() {
		defer wg.Done()
		_, err := r.Cancel(ctx, job.ID, "user-1")
		results <- err
	}()
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, jobs.ErrAlreadyTerminal) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one terminal transition, got %d", wins)
	}

	got := mustGet(t, r, job.ID)
	if !got.Status.IsTerminal() {
		t.Fatalf("expected terminal status, got %s", got.Status)
	}
	if got.Status == model.JobStatusCompleted {
		var s string
		if err := json.Unmarshal(got.ResultPayload, &s); err != nil || s != "ok" {
			t.Errorf("unexpected payload %s", got.ResultPayload)
		}
	}
}
