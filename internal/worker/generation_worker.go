package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adforge/api/internal/idempotency"
	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/resilience"
)

// ContentProvider generates ad copy
type ContentProvider interface {
	IsConfigured() bool
	GenerateAdContent(ctx context.Context, req *model.AdGenerationRequest) ([]model.AdContent, error)
}

// ImageProvider generates one image per call
type ImageProvider interface {
	IsConfigured() bool
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// GenerationWorker runs the content and image pipelines for queued jobs
type GenerationWorker struct {
	registry     *jobs.Registry
	orchestrator *resilience.Orchestrator
	idempotency  *idempotency.Store
	content      ContentProvider
	images       ImageProvider
	validator    *validator.Validate
	log          logrus.FieldLogger
	tracer       trace.Tracer
}

func NewGenerationWorker(
	registry *jobs.Registry,
	orchestrator *resilience.Orchestrator,
	idem *idempotency.Store,
	content ContentProvider,
	images ImageProvider,
	v *validator.Validate,
	log logrus.FieldLogger,
) *GenerationWorker {
	return &GenerationWorker{
		registry:     registry,
		orchestrator: orchestrator,
		idempotency:  idem,
		content:      content,
		images:       images,
		validator:    v,
		log:          log,
		tracer:       otel.Tracer("github.com/adforge/api/internal/worker"),
	}
}

// ProcessContentTask handles a content generation task
func (w *GenerationWorker) ProcessContentTask(ctx context.Context, t *asynq.Task) error {
	task, err := decodeTask(t)
	if err != nil {
		return err
	}

	var req model.AdGenerationRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		w.failJob(ctx, task.JobID, "Invalid payload")
		return fmt.Errorf("failed to unmarshal content payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := w.tracer.Start(ctx, "pipeline.content", trace.WithAttributes(attribute.String("job.id", task.JobID)))
	defer span.End()

	return w.runContent(ctx, task, &req)
}

// ProcessImageTask handles an image generation task
func (w *GenerationWorker) ProcessImageTask(ctx context.Context, t *asynq.Task) error {
	task, err := decodeTask(t)
	if err != nil {
		return err
	}

	var req model.ImageGenerationRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		w.failJob(ctx, task.JobID, "Invalid payload")
		return fmt.Errorf("failed to unmarshal image payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := w.tracer.Start(ctx, "pipeline.image", trace.WithAttributes(attribute.String("job.id", task.JobID)))
	defer span.End()

	return w.runImages(ctx, task, &req)
}

func (w *GenerationWorker) runContent(ctx context.Context, task *model.GenerationTaskPayload, req *model.AdGenerationRequest) error {
	jobID := task.JobID
	log := w.log.WithFields(logrus.Fields{"job_id": jobID, "owner": task.OwnerID})

	if !w.runnable(ctx, jobID) {
		return nil
	}
	if err := w.registry.Start(ctx, jobID, "Starting content generation"); err != nil {
		log.WithError(err).Info("Job not startable")
		return nil
	}
	log.Info("Starting content generation job")

	w.registry.UpdateProgress(ctx, jobID, 10, "Generating ad content")

	result, err := idempotency.Process(ctx, w.idempotency, resilience.OperationContent, req, task.OwnerID,
		func(ctx context.Context) (*model.ContentResult, error) {
			contents, fallback, err := w.orchestrator.GenerateContent(ctx, jobID, req.NumberOfVariations, req.CallToAction, w.contentOp(req))
			if err != nil {
				return nil, err
			}
			return &model.ContentResult{Contents: contents, Fallback: fallback}, nil
		})
	if err != nil {
		return w.handleError(ctx, jobID, resilience.OperationContent, err)
	}
	w.registry.UpdateProgress(ctx, jobID, 30, "Content generated")

	if !w.runnable(ctx, jobID) {
		return nil
	}

	contents := result.Contents
	w.registry.UpdateProgress(ctx, jobID, 70, "Preparing images")
	if err := w.attachImages(ctx, jobID, req, contents, result.Fallback); err != nil {
		return w.handleError(ctx, jobID, resilience.OperationImage, err)
	}

	if !w.runnable(ctx, jobID) {
		return nil
	}

	w.registry.UpdateProgress(ctx, jobID, 95, "Validating content")
	valid := w.filterValid(log, contents)
	if len(valid) == 0 {
		w.failJob(ctx, jobID, "No valid content was generated. Please try again with a different prompt.")
		return nil
	}

	w.complete(ctx, jobID, &model.ContentResult{Contents: valid, Fallback: result.Fallback})
	return nil
}

// attachImages fills ImageURL for each variation. A supplied media file is
// used as is; otherwise one image is generated per variation.
func (w *GenerationWorker) attachImages(ctx context.Context, jobID string, req *model.AdGenerationRequest, contents []model.AdContent, fallback bool) error {
	if req.MediaFileURL != "" {
		for i := range contents {
			contents[i].ImageURL = req.MediaFileURL
		}
		w.registry.UpdateProgress(ctx, jobID, 90, "Using provided media")
		return nil
	}
	if fallback || req.ImageProvider == "" {
		return nil
	}

	for i := range contents {
		prompt := fmt.Sprintf("%s. %s", contents[i].Headline, contents[i].Description)
		url, _, err := w.orchestrator.GenerateImage(ctx, jobID, w.imageOp(prompt))
		if err != nil {
			return err
		}
		contents[i].ImageURL = url
		w.registry.UpdateProgress(ctx, jobID, 80+10*(i+1)/len(contents), fmt.Sprintf("Generated image %d of %d", i+1, len(contents)))
	}
	return nil
}

func (w *GenerationWorker) runImages(ctx context.Context, task *model.GenerationTaskPayload, req *model.ImageGenerationRequest) error {
	jobID := task.JobID
	log := w.log.WithFields(logrus.Fields{"job_id": jobID, "owner": task.OwnerID})

	if !w.runnable(ctx, jobID) {
		return nil
	}
	if err := w.registry.Start(ctx, jobID, "Starting image generation"); err != nil {
		log.WithError(err).Info("Job not startable")
		return nil
	}
	log.Info("Starting image generation job")

	count := max(req.Count, 1)
	w.registry.UpdateProgress(ctx, jobID, 10, "Generating images")

	result, err := idempotency.Process(ctx, w.idempotency, resilience.OperationImage, req, task.OwnerID,
		func(ctx context.Context) (*model.ImageResult, error) {
			res := &model.ImageResult{Provider: req.ImageProvider, ImageURLs: make([]string, 0, count)}
			for i := 0; i < count; i++ {
				url, fallback, err := w.orchestrator.GenerateImage(ctx, jobID, w.imageOp(req.Prompt))
				if err != nil {
					return nil, err
				}
				if fallback {
					res.Fallback = true
					res.Provider = model.ProviderFallback
				}
				res.ImageURLs = append(res.ImageURLs, url)
				w.registry.UpdateProgress(ctx, jobID, 10+80*(i+1)/count, fmt.Sprintf("Generated image %d of %d", i+1, count))
			}
			return res, nil
		})
	if err != nil {
		return w.handleError(ctx, jobID, resilience.OperationImage, err)
	}

	if !w.runnable(ctx, jobID) {
		return nil
	}
	w.registry.UpdateProgress(ctx, jobID, 95, "Finalizing")
	w.complete(ctx, jobID, result)
	return nil
}

func (w *GenerationWorker) contentOp(req *model.AdGenerationRequest) func(ctx context.Context) ([]model.AdContent, error) {
	if w.content == nil || !w.content.IsConfigured() {
		return func(context.Context) ([]model.AdContent, error) {
			return mockContent(req), nil
		}
	}
	return func(ctx context.Context) ([]model.AdContent, error) {
		return w.content.GenerateAdContent(ctx, req)
	}
}

func (w *GenerationWorker) imageOp(prompt string) func(ctx context.Context) (string, error) {
	if w.images == nil || !w.images.IsConfigured() {
		return func(context.Context) (string, error) {
			return fmt.Sprintf("https://picsum.photos/seed/%s/1024/1024", uuid.NewSHA1(uuid.NameSpaceURL, []byte(prompt))), nil
		}
	}
	return func(ctx context.Context) (string, error) {
		return w.images.GenerateImage(ctx, prompt)
	}
}

// runnable reports whether the job still exists, is not terminal and has not
// expired
func (w *GenerationWorker) runnable(ctx context.Context, jobID string) bool {
	if _, err := w.registry.EnsureRunnable(ctx, jobID); err != nil {
		w.log.WithError(err).WithField("job_id", jobID).Info("Job no longer runnable, stopping")
		return false
	}
	return true
}

func (w *GenerationWorker) filterValid(log logrus.FieldLogger, contents []model.AdContent) []model.AdContent {
	valid := make([]model.AdContent, 0, len(contents))
	for _, c := range contents {
		if err := w.validator.Struct(&c); err != nil {
			log.WithError(err).WithField("content_id", c.ID).Warn("Dropping invalid content")
			continue
		}
		valid = append(valid, c)
	}
	return valid
}

func (w *GenerationWorker) complete(ctx context.Context, jobID string, result interface{}) {
	err := w.registry.Complete(ctx, jobID, result)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		w.log.WithError(err).WithField("job_id", jobID).Info("Result discarded")
	default:
		w.log.WithError(err).WithField("job_id", jobID).Error("Failed to complete job")
	}
}

func (w *GenerationWorker) handleError(ctx context.Context, jobID, operation string, err error) error {
	if errors.Is(err, context.Canceled) {
		w.log.WithField("job_id", jobID).Info("Job processing stopped")
		return nil
	}

	var replay *idempotency.Error
	if errors.As(err, &replay) {
		w.failJob(ctx, jobID, replay.Message)
		return nil
	}

	w.orchestrator.HandleFailure(ctx, jobID, operation, err)
	return fmt.Errorf("job %s failed: %v: %w", jobID, err, asynq.SkipRetry)
}

func (w *GenerationWorker) failJob(ctx context.Context, jobID, message string) {
	if err := w.registry.Fail(ctx, jobID, message); err != nil {
		w.log.WithError(err).WithField("job_id", jobID).Warn("Failed to mark job as failed")
	}
}

func decodeTask(t *asynq.Task) (*model.GenerationTaskPayload, error) {
	var task model.GenerationTaskPayload
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if task.JobID == "" {
		return nil, fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}
	return &task, nil
}

// mockContent is used when no content provider is configured
func mockContent(req *model.AdGenerationRequest) []model.AdContent {
	headlines := []string{
		"Upgrade Your Everyday",
		"Made For The Way You Work",
		"See What Everyone Is Talking About",
		"Your Next Favorite Thing",
	}
	count := max(req.NumberOfVariations, 0)
	contents := make([]model.AdContent, 0, count)
	for i := 0; i < count; i++ {
		contents = append(contents, model.AdContent{
			ID:           uuid.New().String(),
			Headline:     headlines[i%len(headlines)],
			PrimaryText:  "Quality you can feel from day one. Try it today and see the difference.",
			Description:  "Free shipping on all orders.",
			CallToAction: req.CallToAction,
			Provider:     req.TextProvider,
			PreviewOrder: i,
		})
	}
	return contents
}
