package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vidgallery/api/internal/service"
	"github.com/vidgallery/api/pkg/response"
)

// AdminHandler serves the operator endpoints. Routes are guarded by
// middleware.RequireRole.
type AdminHandler struct {
	service *service.JobService
}

func NewAdminHandler(svc *service.JobService) *AdminHandler {
	return &AdminHandler{service: svc}
}

// Status handles GET /api/admin/status
func (h *AdminHandler) Status(c *fiber.Ctx) error {
	status, err := h.service.GetProcessingStatus(c.UserContext())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, status)
}

// RestartFailed handles POST /api/admin/jobs/restart-failed
func (h *AdminHandler) RestartFailed(c *fiber.Ctx) error {
	n, err := h.service.RestartFailedJobs(c.UserContext())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"restarted": n})
}

// Cleanup handles POST /api/admin/jobs/cleanup?olderThanDays=N
func (h *AdminHandler) Cleanup(c *fiber.Ctx) error {
	days := c.QueryInt("olderThanDays", 30)
	n, err := h.service.CleanupOldJobs(c.UserContext(), days)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"deleted": n, "olderThanDays": days})
}
