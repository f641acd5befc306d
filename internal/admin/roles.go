package admin

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/instrument"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

func (h *Handler) ListRoles(c *fiber.Ctx) error {
	roles, err := h.perms.ListRoles(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": roles})
}

func (h *Handler) CreateRole(c *fiber.Ctx) error {
	var role metadata.Role
	if err := c.BodyParser(&role); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := metadata.Validate(&role); err != nil {
		return validationFailed(err)
	}

	err := h.perms.CreateRole(c.UserContext(), &role)
	if errors.Is(err, store.ErrUniqueViolation) {
		return engine.ConflictError("Role already exists: " + role.Key)
	}
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	h.registry.ReplaceRolePermissions(&role, nil)

	return c.Status(201).JSON(fiber.Map{"data": role})
}

// DeleteRole removes a role. Its permissions go with it.
func (h *Handler) DeleteRole(c *fiber.Ctx) error {
	key := c.Params("key")
	err := h.perms.DeleteRole(c.UserContext(), key)
	if errors.Is(err, store.ErrNotFound) {
		return engine.NewAppError("NOT_FOUND", 404, "Role not found: "+key)
	}
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	h.registry.RemoveRole(key)

	return c.JSON(fiber.Map{"data": fiber.Map{"key": key, "deleted": true}})
}

func (h *Handler) GetRolePermissions(c *fiber.Ctx) error {
	key := c.Params("key")
	if h.registry.GetRole(key) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Role not found: "+key)
	}
	defs, err := h.perms.RolePermissions(c.UserContext(), key)
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []*metadata.PermissionDefinition{}
	}
	return c.JSON(fiber.Map{"data": defs})
}

// PutRolePermissions replaces the role's whole permission set. The stored
// set and the in-memory set change together or not at all; concurrent
// checks see either the old or the new set.
func (h *Handler) PutRolePermissions(c *fiber.Ctx) error {
	key := c.Params("key")

	var defs []*metadata.PermissionDefinition
	if err := c.BodyParser(&defs); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	var details []engine.ErrorDetail
	for i, def := range defs {
		def.RoleKey = key
		if err := h.checkDefinition(def); err != nil {
			details = append(details, engine.ErrorDetail{
				Field:   fmt.Sprintf("[%d]", i),
				Message: err.Error(),
			})
		}
	}
	if len(details) > 0 {
		return engine.ValidationError(details)
	}

	ctx := c.UserContext()
	stored, err := h.perms.ReplaceRolePermissions(ctx, key, defs)
	if err != nil {
		return fmt.Errorf("replace permissions of %s: %w", key, err)
	}
	h.registry.ReplaceRolePermissions(&metadata.Role{Key: key}, stored)

	log.Info("role permissions replaced",
		log.FieldComponent("admin"),
		zap.String("role", key),
		zap.Int("permissions", len(stored)))
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "permissions.replaced", "role", key,
		map[string]any{"permissions": len(stored)})

	return c.JSON(fiber.Map{"data": stored})
}

// checkDefinition validates a definition and compiles it so malformed
// conditions are rejected before they are stored.
func (h *Handler) checkDefinition(def *metadata.PermissionDefinition) error {
	if err := metadata.Validate(def); err != nil {
		return err
	}
	if h.registry.GetEntity(def.ResourceType) == nil {
		return fmt.Errorf("unknown resource type %q", def.ResourceType)
	}
	if def.ContextResourceType != "" && h.registry.GetEntity(def.ContextResourceType) == nil {
		return fmt.Errorf("unknown context resource type %q", def.ContextResourceType)
	}
	if _, err := authz.NewPermission(def); err != nil {
		return err
	}
	return nil
}
