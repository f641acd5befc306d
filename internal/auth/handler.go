package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/cast"

	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	store     *store.Store
	users     *UserStore
	jwtSecret string
}

func NewAuthHandler(s *store.Store, jwtSecret string) *AuthHandler {
	return &AuthHandler{store: s, users: NewUserStore(s), jwtSecret: jwtSecret}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.UserContext()

	row, err := h.users.findBy(ctx, "email", body.Email)
	if err != nil {
		return engine.UnauthorizedError("Invalid email or password")
	}
	if !cast.ToBool(row["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}
	if !CheckPassword(body.Password, cast.ToString(row["password_hash"])) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	user, err := h.users.toUser(row)
	if err != nil {
		return err
	}
	pair, err := h.generateTokenPair(ctx, user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. Refresh tokens are single use.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.UserContext()

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT id, user_id, expires_at FROM _refresh_tokens WHERE token = %s", pb.Add(body.RefreshToken)),
		pb.Params()...)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}

	// rotation: the presented token is consumed whatever happens next
	if err := h.deleteToken(ctx, "id", row["id"]); err != nil {
		return err
	}

	expiresAt, err := cast.ToTimeE(row["expires_at"])
	if err != nil || time.Now().After(expiresAt) {
		return engine.UnauthorizedError("Refresh token expired")
	}

	user, err := h.users.FindUser(ctx, cast.ToString(row["user_id"]))
	if errors.Is(err, ErrUserNotFound) {
		return engine.UnauthorizedError("Account is disabled")
	}
	if err != nil {
		return err
	}

	pair, err := h.generateTokenPair(ctx, user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}
	if err := h.deleteToken(c.UserContext(), "token", body.RefreshToken); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := GetUser(c)
	if user == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	return c.JSON(fiber.Map{"data": user})
}

// RegisterAuthRoutes registers the public auth routes. Me is registered
// behind the auth middleware by the caller.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
	auth.Post("/logout", h.Logout)
}

func (h *AuthHandler) deleteToken(ctx context.Context, column string, value any) error {
	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, h.store.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE %s = %s", column, pb.Add(value)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (h *AuthHandler) generateTokenPair(ctx context.Context, user *metadata.UserContext) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(user, h.jwtSecret)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	expiresAt := time.Now().Add(RefreshTokenTTL).UTC().Format(time.RFC3339)

	pb := h.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _refresh_tokens (id, user_id, token, expires_at) VALUES (%s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(user.ID), pb.Add(refreshToken), pb.Add(expiresAt))
	if _, err := store.Exec(ctx, h.store.DB, query, pb.Params()...); err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}
