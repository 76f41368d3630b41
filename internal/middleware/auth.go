package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/vidgallery/api/internal/auth"
	"github.com/vidgallery/api/internal/model"
	"github.com/vidgallery/api/pkg/response"
)

// Locals keys set by the auth middlewares.
const (
	localUserID = "userId"
	localRole   = "role"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifiers auth.Chain
	jwtSecret string // fallback for legacy tokens
}

// NewAuthMiddleware creates a new auth middleware with OIDC JWKS verification
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifiers: auth.NewChain(verifier)}
}

// NewAuthMiddlewareWithFallback creates auth middleware with both JWKS and legacy HMAC support
func NewAuthMiddlewareWithFallback(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{verifiers: auth.WithHMACFallback(verifier, jwtSecret), jwtSecret: jwtSecret}
}

// NewLegacyAuthMiddleware creates auth middleware using only HMAC signing (for testing/dev)
func NewLegacyAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{verifiers: auth.WithHMACFallback(nil, jwtSecret), jwtSecret: jwtSecret}
}

// Authenticate validates the bearer token from the Authorization header.
// Browsers cannot set headers on websocket upgrades, so the token query
// parameter is accepted as well.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, problem := bearerToken(c)
		if problem != "" {
			return response.Unauthorized(c, problem)
		}

		p, err := m.verifiers.Verify(tokenString)
		if errors.Is(err, auth.ErrNotConfigured) {
			return response.Unauthorized(c, "Authentication not configured")
		}
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		setPrincipal(c, p)
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, string) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, ""
		}
		return "", "Missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}

func setPrincipal(c *fiber.Ctx, p model.Principal) {
	c.Locals(localUserID, p.ID)
	c.Locals(localRole, p.Role)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}

// GetPrincipal returns the authenticated caller.
func GetPrincipal(c *fiber.Ctx) model.Principal {
	return principalFrom(func(key string) interface{} { return c.Locals(key) })
}

// GetConnPrincipal returns the caller of an upgraded websocket connection.
func GetConnPrincipal(conn *websocket.Conn) model.Principal {
	return principalFrom(func(key string) interface{} { return conn.Locals(key) })
}

func principalFrom(locals func(key string) interface{}) model.Principal {
	p := model.Principal{Role: model.RoleUser}
	if id, ok := locals(localUserID).(string); ok {
		p.ID = id
	}
	if role, ok := locals(localRole).(string); ok && role != "" {
		p.Role = role
	}
	return p
}

// GenerateToken creates a new legacy JWT token (useful for testing)
func (m *AuthMiddleware) GenerateToken(userID, role string) (string, error) {
	if m.jwtSecret == "" {
		return "", fiber.NewError(fiber.StatusInternalServerError, "legacy tokens are not configured")
	}
	return auth.SignLegacyToken(model.Principal{ID: userID, Role: role}, m.jwtSecret, 24*time.Hour)
}
