package handler

import (
	"net/http"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/vidgallery/api/internal/middleware"
	"github.com/vidgallery/api/internal/model"
	ws "github.com/vidgallery/api/internal/websocket"
)

// Routes collects what Register mounts. Metrics and FilesDir are optional.
type Routes struct {
	Jobs        *JobHandler
	Admin       *AdminHandler
	Auth        *AuthHandler
	Health      *HealthHandler
	Hub         *ws.Hub
	APIAuth     fiber.Handler
	SubmitLimit fiber.Handler
	Metrics     http.Handler
	FilesDir    string
	FilesPrefix string
}

// Register mounts every route on app.
func Register(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Check)
	if r.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(r.Metrics))
	}

	// ForwardAuth verification endpoint (internal, called by the gateway)
	app.Get("/auth/verify", r.Auth.Verify)

	if r.FilesDir != "" {
		app.Static(r.FilesPrefix, r.FilesDir, fiber.Static{Browse: false})
	}

	submitLimit := r.SubmitLimit
	if submitLimit == nil {
		submitLimit = func(c *fiber.Ctx) error { return c.Next() }
	}

	api := app.Group("/api", r.APIAuth)

	jobs := api.Group("/jobs")
	jobs.Post("/", submitLimit, r.Jobs.Submit)
	jobs.Get("/", r.Jobs.List)
	jobs.Get("/:jobId", r.Jobs.Get)
	jobs.Get("/:jobId/assets", r.Jobs.Assets)
	jobs.Delete("/:jobId", r.Jobs.Delete)
	jobs.Post("/:jobId/cancel", r.Jobs.Cancel)

	admin := api.Group("/admin", middleware.RequireRole(model.RoleAdmin))
	admin.Get("/status", r.Admin.Status)
	admin.Post("/jobs/restart-failed", r.Admin.RestartFailed)
	admin.Post("/jobs/cleanup", r.Admin.Cleanup)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", r.APIAuth, websocket.New(r.Hub.Handler(middleware.GetConnPrincipal)))
}
