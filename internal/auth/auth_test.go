package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/config"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

const testSecret = "test-secret"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx, "ROLE_ADMIN"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestAccessTokenCarriesPrincipal(t *testing.T) {
	user := &metadata.UserContext{
		ID:         "u-1",
		Email:      "alice@example.com",
		Identifier: "alice",
		Roles:      []string{"ROLE_USER", "ROLE_CASE"},
	}
	token, err := GenerateAccessToken(user, testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := claims.User()
	if got.ID != "u-1" || got.Email != "alice@example.com" || got.Identifier != "alice" {
		t.Fatalf("unexpected principal %+v", got)
	}
	if !got.HasRole("ROLE_CASE") || got.HasRole("ROLE_ADMIN") {
		t.Fatalf("unexpected roles %v", got.Roles)
	}

	if _, err := ParseAccessToken(token, "other-secret"); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestClaimsWithoutRoles(t *testing.T) {
	token, err := GenerateAccessToken(&metadata.UserContext{ID: "u-2"}, testSecret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if roles := claims.User().Roles; roles == nil || len(roles) != 0 {
		t.Fatalf("roles = %#v, want empty slice", roles)
	}
}

func TestUserStore(t *testing.T) {
	s := newTestStore(t)
	users := NewUserStore(s)
	ctx := context.Background()

	id, err := users.CreateUser(ctx, "bob@example.com", "bob", "secret", []string{"ROLE_USER"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	user, err := users.FindUser(ctx, id)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.Email != "bob@example.com" || user.Identifier != "bob" || !user.HasRole("ROLE_USER") {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := users.CreateUser(ctx, "bob@example.com", "bob2", "secret", nil); !errors.Is(err, store.ErrUniqueViolation) {
		t.Fatalf("duplicate email: err = %v, want unique violation", err)
	}

	if _, err := users.FindUser(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user: err = %v, want ErrUserNotFound", err)
	}

	if _, err := s.DB.ExecContext(ctx, "UPDATE _users SET active = 0 WHERE id = ?", id); err != nil {
		t.Fatalf("disable user: %v", err)
	}
	if _, err := users.FindUser(ctx, id); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("disabled user: err = %v, want ErrUserNotFound", err)
	}
}

type authApp struct {
	app *fiber.App
}

func newAuthApp(t *testing.T, s *store.Store) *authApp {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler})
	h := NewAuthHandler(s, testSecret)
	RegisterAuthRoutes(app, h)

	authMW := AuthMiddleware(testSecret)
	app.Get("/api/auth/me", authMW, h.Me)
	app.Get("/whoami", authMW, func(c *fiber.Ctx) error {
		user := authz.UserFromContext(c.UserContext())
		if user == nil {
			return c.SendStatus(500)
		}
		return c.SendString(user.Identifier)
	})
	app.Get("/admin-only", authMW, RequireRole("ROLE_ADMIN"), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return &authApp{app: app}
}

func (a *authApp) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func decodePair(t *testing.T, data []byte) TokenPair {
	t.Helper()
	var resp struct {
		Data TokenPair `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}
	if resp.Data.AccessToken == "" || resp.Data.RefreshToken == "" {
		t.Fatalf("incomplete token pair: %s", data)
	}
	return resp.Data
}

func TestLoginRefreshAndMiddleware(t *testing.T) {
	s := newTestStore(t)
	if _, err := NewUserStore(s).CreateUser(context.Background(), "carol@example.com", "carol", "pw", []string{"ROLE_USER"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	a := newAuthApp(t, s)

	status, _ := a.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "carol@example.com", "password": "wrong"})
	if status != 401 {
		t.Fatalf("wrong password: status %d, want 401", status)
	}

	status, data := a.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "carol@example.com", "password": "pw"})
	if status != 200 {
		t.Fatalf("login: status %d: %s", status, data)
	}
	pair := decodePair(t, data)

	status, data = a.do(t, "GET", "/whoami", pair.AccessToken, nil)
	if status != 200 || string(data) != "carol" {
		t.Fatalf("whoami: status %d body %q", status, data)
	}

	status, data = a.do(t, "GET", "/api/auth/me", pair.AccessToken, nil)
	if status != 200 {
		t.Fatalf("me: status %d: %s", status, data)
	}
	var me struct {
		Data metadata.UserContext `json:"data"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Data.Email != "carol@example.com" || !me.Data.HasRole("ROLE_USER") {
		t.Fatalf("unexpected me %+v", me.Data)
	}

	if status, _ := a.do(t, "GET", "/admin-only", pair.AccessToken, nil); status != 403 {
		t.Fatalf("admin-only as user: status %d, want 403", status)
	}
	if status, _ := a.do(t, "GET", "/whoami", "", nil); status != 401 {
		t.Fatalf("missing token: status %d, want 401", status)
	}

	status, data = a.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	if status != 200 {
		t.Fatalf("refresh: status %d: %s", status, data)
	}
	next := decodePair(t, data)
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	status, _ = a.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	if status != 401 {
		t.Fatalf("reused refresh token: status %d, want 401", status)
	}

	if status, _ := a.do(t, "POST", "/api/auth/logout", "", map[string]string{"refresh_token": next.RefreshToken}); status != 200 {
		t.Fatalf("logout: status %d", status)
	}
	status, _ = a.do(t, "POST", "/api/auth/refresh", "", map[string]string{"refresh_token": next.RefreshToken})
	if status != 401 {
		t.Fatalf("refresh after logout: status %d, want 401", status)
	}
}

func TestBootstrapAdminCanLogin(t *testing.T) {
	a := newAuthApp(t, newTestStore(t))

	status, data := a.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "admin@localhost", "password": "changeme"})
	if status != 200 {
		t.Fatalf("login: status %d: %s", status, data)
	}
	pair := decodePair(t, data)
	if status, _ := a.do(t, "GET", "/admin-only", pair.AccessToken, nil); status != 200 {
		t.Fatalf("admin-only as admin: status %d, want 200", status)
	}
}
