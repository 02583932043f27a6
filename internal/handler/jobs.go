package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/middleware"
	"github.com/adforge/api/internal/model"
	"github.com/adforge/api/internal/service"
	"github.com/adforge/api/pkg/response"
)

const msgTooManyJobs = "Too many active jobs. Please wait for some jobs to complete."

type JobsHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
	log       logrus.FieldLogger
}

func NewJobsHandler(svc *service.GenerationService, v *validator.Validate, log logrus.FieldLogger) *JobsHandler {
	return &JobsHandler{
		service:   svc,
		validator: v,
		log:       log,
	}
}

// Register mounts the async job routes on router
func (h *JobsHandler) Register(router fiber.Router, submitLimit fiber.Handler) {
	router.Post("/generate", submitLimit, h.GenerateContent)
	router.Post("/images", submitLimit, h.GenerateImages)
	router.Get("/jobs", h.List)
	router.Get("/jobs/active", h.ListActive)
	router.Get("/jobs/:jobId", h.Status)
	router.Get("/jobs/:jobId/result", h.Result)
	router.Post("/jobs/:jobId/cancel", h.Cancel)
}

// GenerateContent handles POST /api/ads/async/generate
// @Summary      Start ad content generation
// @Description  Queue an asynchronous ad content generation job
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.AdGenerationRequest true "Generation request"
// @Success      202 {object} model.JobAcceptedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/ads/async/generate [post]
func (h *JobsHandler) GenerateContent(c *fiber.Ctx) error {
	ownerID := middleware.GetOwnerID(c)

	var req model.AdGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if ok, err := h.service.CanCreate(c.UserContext(), ownerID); err != nil {
		return h.jobError(c, err)
	} else if !ok {
		return response.QuotaExceeded(c, msgTooManyJobs)
	}

	result, err := h.service.StartContentGeneration(c.UserContext(), ownerID, &req)
	if err != nil {
		return h.jobError(c, err)
	}
	return response.Accepted(c, result)
}

// GenerateImages handles POST /api/ads/async/images
// @Summary      Start image generation
// @Description  Queue an asynchronous image generation job
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.ImageGenerationRequest true "Image request"
// @Success      202 {object} model.JobAcceptedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/ads/async/images [post]
func (h *JobsHandler) GenerateImages(c *fiber.Ctx) error {
	ownerID := middleware.GetOwnerID(c)

	var req model.ImageGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if ok, err := h.service.CanCreate(c.UserContext(), ownerID); err != nil {
		return h.jobError(c, err)
	} else if !ok {
		return response.QuotaExceeded(c, msgTooManyJobs)
	}

	result, err := h.service.StartImageGeneration(c.UserContext(), ownerID, &req)
	if err != nil {
		return h.jobError(c, err)
	}
	return response.Accepted(c, result)
}

// List handles GET /api/ads/async/jobs
// @Summary      List jobs
// @Tags         Jobs
// @Produce      json
// @Success      200 {array} model.JobResponse
// @Security     BearerAuth
// @Router       /api/ads/async/jobs [get]
func (h *JobsHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListJobs(c.UserContext(), middleware.GetOwnerID(c))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// ListActive handles GET /api/ads/async/jobs/active
// @Summary      List active jobs
// @Tags         Jobs
// @Produce      json
// @Success      200 {array} model.JobResponse
// @Security     BearerAuth
// @Router       /api/ads/async/jobs/active [get]
func (h *JobsHandler) ListActive(c *fiber.Ctx) error {
	result, err := h.service.ListActiveJobs(c.UserContext(), middleware.GetOwnerID(c))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// Status handles GET /api/ads/async/jobs/:jobId
// @Summary      Get job status
// @Description  Get the current status and progress of a job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/ads/async/jobs/{jobId} [get]
func (h *JobsHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetJob(c.UserContext(), jobID, middleware.GetOwnerID(c))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/ads/async/jobs/:jobId/result
// @Summary      Get job result
// @Description  Get the result of a completed job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.ContentResult
// @Failure      400 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/ads/async/jobs/{jobId}/result [get]
func (h *JobsHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), jobID, middleware.GetOwnerID(c))
	if err != nil {
		return h.jobError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(result)
}

// Cancel handles POST /api/ads/async/jobs/:jobId/cancel
// @Summary      Cancel job
// @Description  Cancel a pending or running job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobCancelResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/ads/async/jobs/{jobId}/cancel [post]
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.CancelJob(c.UserContext(), jobID, middleware.GetOwnerID(c))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// jobError maps registry errors to the error envelope
func (h *JobsHandler) jobError(c *fiber.Ctx, err error) error {
	var terr *jobs.TransitionError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, jobs.ErrForbidden):
		return response.Forbidden(c, "Access denied to job")
	case errors.Is(err, jobs.ErrQuotaExceeded):
		return response.QuotaExceeded(c, msgTooManyJobs)
	case errors.Is(err, jobs.ErrNotCompleted):
		return response.NotCompleted(c, "Job not completed yet")
	case errors.As(err, &terr):
		return response.Conflict(c, terr.Error())
	}

	h.log.WithError(err).WithField("path", c.Path()).Error("Job request failed")
	return response.ServiceError(c, "Internal server error")
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
