package handler

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/vidgallery/api/internal/middleware"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/internal/service"
	"github.com/vidgallery/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.Submit(c.UserContext(), middleware.GetPrincipal(c), req.InputSource, req.RequestedFormats)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Accepted(c, job)
}

// List handles GET /api/jobs?status=&page=&limit=
func (h *JobHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListJobs(c.UserContext(), middleware.GetPrincipal(c),
		c.Query("status"), c.QueryInt("page", 1), c.QueryInt("limit", 0))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, result)
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid job ID", nil)
	}

	job, err := h.service.GetJob(c.UserContext(), middleware.GetPrincipal(c), jobID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, job)
}

// Assets handles GET /api/jobs/:jobId/assets
func (h *JobHandler) Assets(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid job ID", nil)
	}

	assets, err := h.service.GetAssets(c.UserContext(), middleware.GetPrincipal(c), jobID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, assets)
}

// Delete handles DELETE /api/jobs/:jobId
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid job ID", nil)
	}

	if err := h.service.DeleteJob(c.UserContext(), middleware.GetPrincipal(c), jobID); err != nil {
		return response.FromError(c, err)
	}

	return response.NoContent(c)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return response.ValidationError(c, "Invalid job ID", nil)
	}

	job, err := h.service.CancelJob(c.UserContext(), middleware.GetPrincipal(c), jobID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, job)
}

func parseJobID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("jobId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.ErrBadRequest
	}
	return id, nil
}
