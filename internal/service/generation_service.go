package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/model"
)

const (
	TaskTypeContentGeneration = "generation:content"
	TaskTypeImageGeneration   = "generation:image"
	TaskTypeSweep             = "jobs:sweep"

	QueueGeneration  = "generation"
	QueueMaintenance = "maintenance"
)

// Steps of each pipeline, reported as TotalSteps on the job
const (
	contentPipelineSteps = 4
	imagePipelineSteps   = 2
)

// TaskEnqueuer is the part of *asynq.Client the service needs
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskCanceler is the part of *asynq.Inspector the service needs
type TaskCanceler interface {
	CancelProcessing(id string) error
}

// GenerationService accepts generation requests as jobs and serves job queries
type GenerationService struct {
	registry  *jobs.Registry
	enqueuer  TaskEnqueuer
	canceler  TaskCanceler
	retention time.Duration
	log       logrus.FieldLogger
}

func NewGenerationService(registry *jobs.Registry, enqueuer TaskEnqueuer, canceler TaskCanceler, retention time.Duration, log logrus.FieldLogger) *GenerationService {
	return &GenerationService{
		registry:  registry,
		enqueuer:  enqueuer,
		canceler:  canceler,
		retention: retention,
		log:       log,
	}
}

// CanCreate reports whether owner may start another job
func (s *GenerationService) CanCreate(ctx context.Context, ownerID string) (bool, error) {
	return s.registry.CanCreate(ctx, ownerID)
}

// StartContentGeneration queues an ad content generation job
func (s *GenerationService) StartContentGeneration(ctx context.Context, ownerID string, req *model.AdGenerationRequest) (*model.JobAcceptedResponse, error) {
	return s.start(ctx, ownerID, model.JobTypeContentGeneration, TaskTypeContentGeneration, contentPipelineSteps, req)
}

// StartImageGeneration queues an image generation job
func (s *GenerationService) StartImageGeneration(ctx context.Context, ownerID string, req *model.ImageGenerationRequest) (*model.JobAcceptedResponse, error) {
	if req.Count == 0 {
		req.Count = 1
	}
	return s.start(ctx, ownerID, model.JobTypeImageGeneration, TaskTypeImageGeneration, imagePipelineSteps, req)
}

func (s *GenerationService) start(ctx context.Context, ownerID string, jobType model.JobType, taskType string, steps int, req interface{}) (*model.JobAcceptedResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	job, err := s.registry.Create(ctx, ownerID, jobType, &steps)
	if err != nil {
		return nil, err
	}

	task, err := newGenerationTask(taskType, &model.GenerationTaskPayload{
		JobID:   job.ID,
		OwnerID: ownerID,
		Type:    jobType,
		Payload: payload,
	})
	if err != nil {
		s.abandon(ctx, job.ID, err)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// Retries happen inside the pipeline; a redelivered task would find a
	// terminal job anyway.
	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.Queue(QueueGeneration),
		asynq.MaxRetry(0),
		asynq.Timeout(job.ExpiresAt.Sub(job.CreatedAt)),
		asynq.Retention(s.retention),
	)
	if err != nil {
		s.abandon(ctx, job.ID, err)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.log.WithFields(logrus.Fields{"job_id": job.ID, "owner": ownerID, "type": jobType}).Info("Queued generation job")

	return &model.JobAcceptedResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Message:   "Job accepted for processing",
		CreatedAt: job.CreatedAt,
		ExpiresAt: job.ExpiresAt,
	}, nil
}

// abandon fails a job whose task never reached the queue so it stops
// counting against the owner's quota
func (s *GenerationService) abandon(ctx context.Context, jobID string, cause error) {
	s.log.WithError(cause).WithField("job_id", jobID).Error("Could not queue job")
	if err := s.registry.Fail(ctx, jobID, "Failed to queue job. Please try again."); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Warn("Could not fail unqueued job")
	}
}

// GetJob returns the job if owner may see it
func (s *GenerationService) GetJob(ctx context.Context, jobID, ownerID string) (*model.JobResponse, error) {
	job, err := s.registry.GetOwned(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	return model.NewJobResponse(job), nil
}

// ListJobs returns all of owner's jobs, newest first
func (s *GenerationService) ListJobs(ctx context.Context, ownerID string) ([]*model.JobResponse, error) {
	list, err := s.registry.ListOwned(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return toResponses(list), nil
}

// ListActiveJobs returns owner's PENDING and IN_PROGRESS jobs
func (s *GenerationService) ListActiveJobs(ctx context.Context, ownerID string) ([]*model.JobResponse, error) {
	list, err := s.registry.ListActive(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return toResponses(list), nil
}

// GetResult returns the stored result of a completed job
func (s *GenerationService) GetResult(ctx context.Context, jobID, ownerID string) (json.RawMessage, error) {
	return s.registry.Result(ctx, jobID, ownerID)
}

// CancelJob cancels the job and asks a worker running it to stop
func (s *GenerationService) CancelJob(ctx context.Context, jobID, ownerID string) (*model.JobCancelResponse, error) {
	job, err := s.registry.Cancel(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	if s.canceler != nil {
		// Pending tasks see the cancelled job when they start; only running
		// ones need the signal.
		if err := s.canceler.CancelProcessing(jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			s.log.WithError(err).WithField("job_id", jobID).Debug("Cancel signal not delivered")
		}
	}

	return &model.JobCancelResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	}, nil
}

func toResponses(list []*model.Job) []*model.JobResponse {
	out := make([]*model.JobResponse, 0, len(list))
	for _, j := range list {
		out = append(out, model.NewJobResponse(j))
	}
	return out
}

func newGenerationTask(taskType string, payload *model.GenerationTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
