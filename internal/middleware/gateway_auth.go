package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/pkg/response"
)

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by the gateway's ForwardAuth call and populates Fiber context locals.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		role := model.RoleUser
		if c.Get("X-User-Role") == model.RoleAdmin {
			role = model.RoleAdmin
		}
		setPrincipal(c, model.Principal{ID: userID, Role: role})
		return c.Next()
	}
}

// RequireRole rejects callers whose role differs from role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if GetPrincipal(c).Role != role {
			return response.Forbidden(c, "Insufficient role")
		}
		return c.Next()
	}
}
