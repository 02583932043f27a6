package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/adforge/api/pkg/response"
)

// GatewayAuthMiddleware trusts the identity headers set by an upstream
// forward-auth gateway
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ownerID := c.Get("X-User-Id")
		if ownerID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals(localOwnerID, ownerID)
		c.Locals(localEmail, c.Get("X-User-Email"))
		return c.Next()
	}
}
