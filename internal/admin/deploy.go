package admin

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/instrument"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

// DeployDir reads the permission files in dir and applies them: every role
// the files mention gets exactly the permissions the files declare for it.
// Roles not mentioned are left alone. Nothing is applied when any
// definition is invalid.
func DeployDir(ctx context.Context, perms *store.PermissionStore, reg *metadata.Registry, dir string) (map[string][]*metadata.PermissionDefinition, error) {
	d, err := metadata.ReadDeploymentDir(dir)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(reg); err != nil {
		return nil, fmt.Errorf("invalid deployment: %w", err)
	}
	for i, def := range d.Permissions {
		if _, err := authz.NewPermission(def); err != nil {
			return nil, fmt.Errorf("invalid deployment: permissions[%d]: %w", i, err)
		}
	}

	deployed, err := perms.Deploy(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("deploy permissions: %w", err)
	}
	for key, defs := range deployed {
		reg.ReplaceRolePermissions(&metadata.Role{Key: key}, defs)
	}

	log.Info("permissions deployed",
		log.FieldComponent("admin"),
		zap.String("dir", dir),
		zap.Int("roles", len(deployed)),
		zap.Int("permissions", len(d.Permissions)))
	return deployed, nil
}

// Deploy handles POST /permissions/deploy by re-reading the deployment
// directory.
func (h *Handler) Deploy(c *fiber.Ctx) error {
	ctx := c.UserContext()
	deployed, err := DeployDir(ctx, h.perms, h.registry, h.deployPath)
	if err != nil {
		return engine.NewAppError("DEPLOYMENT_FAILED", 422, err.Error())
	}

	counts := lo.MapValues(deployed, func(defs []*metadata.PermissionDefinition, _ string) int { return len(defs) })
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "permissions.deployed", "", "",
		map[string]any{"roles": counts})

	return c.JSON(fiber.Map{"data": counts})
}
