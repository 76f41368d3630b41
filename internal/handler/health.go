package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports which drivers are wired and whether the job store
// answers.
type HealthHandler struct {
	repo    Pinger
	drivers map[string]string
}

func NewHealthHandler(repo Pinger, drivers map[string]string) *HealthHandler {
	return &HealthHandler{repo: repo, drivers: drivers}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status, code, repo := "ok", fiber.StatusOK, "up"
	if err := h.repo.Ping(ctx); err != nil {
		status, code, repo = "degraded", fiber.StatusServiceUnavailable, "down"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"repository": repo,
		"services":   h.drivers,
	})
}
