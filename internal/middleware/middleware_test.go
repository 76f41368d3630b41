package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vidgallery/api/internal/model"
)

const secret = "test-secret"

func whoami(c *fiber.Ctx) error {
	p := GetPrincipal(c)
	return c.JSON(fiber.Map{"id": p.ID, "role": p.Role})
}

func decode(t *testing.T, body io.Reader) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestAuthenticateLegacyToken(t *testing.T) {
	m := NewLegacyAuthMiddleware(secret)
	app := fiber.New()
	app.Get("/me", m.Authenticate(), whoami)

	token, err := m.GenerateToken("alice", model.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"missing header", "/me", "", fiber.StatusUnauthorized},
		{"wrong scheme", "/me", "Basic " + token, fiber.StatusUnauthorized},
		{"bad token", "/me", "Bearer nope", fiber.StatusUnauthorized},
		{"bearer header", "/me", "Bearer " + token, fiber.StatusOK},
		{"query token", "/me?token=" + token, "", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status == fiber.StatusOK {
				got := decode(t, resp.Body)
				if got["id"] != "alice" || got["role"] != model.RoleAdmin {
					t.Errorf("principal = %v", got)
				}
			}
		})
	}
}

func TestAuthenticateWithoutConfiguration(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(nil).Authenticate(), whoami)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGatewayAuthAndRoleGuard(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoami)
	app.Get("/admin", GatewayAuthMiddleware(), RequireRole(model.RoleAdmin), whoami)

	do := func(path, user, role string) int {
		req := httptest.NewRequest("GET", path, nil)
		if user != "" {
			req.Header.Set("X-User-Id", user)
		}
		if role != "" {
			req.Header.Set("X-User-Role", role)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode
	}

	if got := do("/me", "", ""); got != fiber.StatusUnauthorized {
		t.Errorf("anonymous = %d", got)
	}
	if got := do("/me", "bob", ""); got != fiber.StatusOK {
		t.Errorf("user = %d", got)
	}
	if got := do("/admin", "bob", "superuser"); got != fiber.StatusForbidden {
		t.Errorf("non-admin on admin route = %d", got)
	}
	if got := do("/admin", "root", model.RoleAdmin); got != fiber.StatusOK {
		t.Errorf("admin = %d", got)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	var nilLimiter *RateLimiter
	app := fiber.New()
	app.Get("/down", GatewayAuthMiddleware(), NewRateLimiter(client, logger).SubmitLimit(1), whoami)
	app.Get("/off", GatewayAuthMiddleware(), nilLimiter.SubmitLimit(1), whoami)

	for _, path := range []string{"/down", "/down", "/off", "/off"} {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("X-User-Id", "alice")
		resp, err := app.Test(req, 2000)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
