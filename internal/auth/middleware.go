package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/instrument"
	"valtimo-authz/internal/metadata"
)

// AuthMiddleware validates the bearer token and makes the user available
// in Locals("user"), in the request context used by authz and to the
// spans started after it.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		user := claims.User()
		c.Locals("user", user)
		ctx := authz.WithUser(c.UserContext(), user)
		c.SetUserContext(instrument.WithUserID(ctx, user.ID))

		return c.Next()
	}
}

// RequireRole rejects users that do not hold role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.HasRole(role) {
			return engine.ForbiddenError(role + " required")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
