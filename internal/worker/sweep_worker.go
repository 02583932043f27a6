package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/service"
)

// SweepWorker expires overdue jobs and purges old terminal ones
type SweepWorker struct {
	registry *jobs.Registry
	log      logrus.FieldLogger
}

func NewSweepWorker(registry *jobs.Registry, log logrus.FieldLogger) *SweepWorker {
	return &SweepWorker{registry: registry, log: log}
}

// ProcessTask handles the periodic sweep task
func (w *SweepWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	res, err := w.registry.Sweep(ctx)
	if err != nil {
		w.log.WithError(err).Error("Job sweep failed")
		return err
	}
	w.log.WithFields(logrus.Fields{"expired": res.Expired, "deleted": res.Deleted}).Debug("Job sweep finished")
	return nil
}

// RegisterSweep schedules the sweep task every interval
func RegisterSweep(scheduler *asynq.Scheduler, interval time.Duration) (string, error) {
	id, err := scheduler.Register(
		fmt.Sprintf("@every %s", interval),
		asynq.NewTask(service.TaskTypeSweep, nil),
		asynq.Queue(service.QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
	if err != nil {
		return "", fmt.Errorf("failed to register sweep: %w", err)
	}
	return id, nil
}
