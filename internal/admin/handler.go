package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/log"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

// Handler serves the management API: resource types, relations, roles and
// their permission sets.
type Handler struct {
	store      *store.Store
	registry   *metadata.Registry
	migrator   *store.Migrator
	perms      *store.PermissionStore
	records    *store.RecordStore
	mappers    *authz.MapperRegistry
	deployPath string
}

func NewHandler(s *store.Store, reg *metadata.Registry, mig *store.Migrator, records *store.RecordStore, mappers *authz.MapperRegistry, deployPath string) *Handler {
	return &Handler{
		store:      s,
		registry:   reg,
		migrator:   mig,
		perms:      store.NewPermissionStore(s),
		records:    records,
		mappers:    mappers,
		deployPath: deployPath,
	}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/management/v1", middleware...)

	admin.Get("/resource-types", h.ListResourceTypes)
	admin.Get("/resource-types/:name", h.GetResourceType)
	admin.Get("/resource-types/:name/actions", h.ListActions)
	admin.Post("/resource-types", h.CreateResourceType)
	admin.Put("/resource-types/:name", h.UpdateResourceType)
	admin.Delete("/resource-types/:name", h.DeleteResourceType)

	admin.Get("/relations", h.ListRelations)
	admin.Get("/relations/:name", h.GetRelation)
	admin.Post("/relations", h.CreateRelation)
	admin.Put("/relations/:name", h.UpdateRelation)
	admin.Delete("/relations/:name", h.DeleteRelation)

	admin.Get("/roles", h.ListRoles)
	admin.Post("/roles", h.CreateRole)
	admin.Delete("/roles/:key", h.DeleteRole)
	admin.Get("/roles/:key/permissions", h.GetRolePermissions)
	admin.Put("/roles/:key/permissions", h.PutRolePermissions)

	admin.Post("/permissions/deploy", h.Deploy)
}

// --- Resource type endpoints ---

func (h *Handler) ListResourceTypes(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.UserContext(), h.store.DB,
		"SELECT name, table_name, definition, created_at, updated_at FROM _resource_types ORDER BY name")
	if err != nil {
		return fmt.Errorf("list resource types: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetResourceType(c *fiber.Ctx) error {
	name := c.Params("name")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Resource type not found: "+name)
	}
	return c.JSON(fiber.Map{"data": entity})
}

// ListActions returns the actions any role is granted on the resource type.
func (h *Handler) ListActions(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Resource type not found: "+name)
	}
	actions := h.registry.ActionsForResourceType(name)
	if actions == nil {
		actions = []string{}
	}
	return c.JSON(fiber.Map{"data": actions})
}

func (h *Handler) CreateResourceType(c *fiber.Ctx) error {
	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateEntity(&entity); err != nil {
		return validationFailed(err)
	}
	if h.registry.GetEntity(entity.Name) != nil {
		return engine.ConflictError("Resource type already exists: " + entity.Name)
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal resource type: %w", err)
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _resource_types (name, table_name, definition) VALUES (%s, %s, %s)",
		pb.Add(entity.Name), pb.Add(entity.Table), pb.Add(string(defJSON)))
	if _, err := store.Exec(ctx, h.store.DB, query, pb.Params()...); err != nil {
		return mapStoreError(h.store, err, "Resource type or table already exists")
	}

	if err := h.migrator.Migrate(ctx, &entity); err != nil {
		return fmt.Errorf("migrate resource type %s: %w", entity.Name, err)
	}
	if err := h.reload(ctx); err != nil {
		return err
	}

	return c.Status(201).JSON(fiber.Map{"data": entity})
}

func (h *Handler) UpdateResourceType(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Resource type not found: "+name)
	}

	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	entity.Name = name

	if err := validateEntity(&entity); err != nil {
		return validationFailed(err)
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal resource type: %w", err)
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("UPDATE _resource_types SET table_name = %s, definition = %s, updated_at = %s WHERE name = %s",
		pb.Add(entity.Table), pb.Add(string(defJSON)), h.store.Dialect.NowExpr(), pb.Add(name))
	if _, err := store.Exec(ctx, h.store.DB, query, pb.Params()...); err != nil {
		return mapStoreError(h.store, err, "Table already used by another resource type")
	}

	if err := h.migrator.Migrate(ctx, &entity); err != nil {
		return fmt.Errorf("migrate resource type %s: %w", entity.Name, err)
	}
	if err := h.reload(ctx); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": entity})
}

// DeleteResourceType removes the definition and its relations. The table
// and its rows are kept.
func (h *Handler) DeleteResourceType(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Resource type not found: "+name)
	}

	ctx := c.UserContext()
	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		pb := h.store.Dialect.NewParamBuilder()
		ph := pb.Add(name)
		if _, err := store.Exec(ctx, tx, fmt.Sprintf("DELETE FROM _relations WHERE source = %s OR target = %s", ph, ph), pb.Params()...); err != nil {
			return fmt.Errorf("delete relations of %s: %w", name, err)
		}
		pb = h.store.Dialect.NewParamBuilder()
		if _, err := store.Exec(ctx, tx, fmt.Sprintf("DELETE FROM _resource_types WHERE name = %s", pb.Add(name)), pb.Params()...); err != nil {
			return fmt.Errorf("delete resource type %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := h.reload(ctx); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// --- Relation endpoints ---

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.UserContext(), h.store.DB,
		"SELECT name, source, target, definition, created_at, updated_at FROM _relations ORDER BY name")
	if err != nil {
		return fmt.Errorf("list relations: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

func (h *Handler) GetRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	rel := h.registry.GetRelation(name)
	if rel == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Relation not found: "+name)
	}
	return c.JSON(fiber.Map{"data": rel})
}

func (h *Handler) CreateRelation(c *fiber.Ctx) error {
	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateRelation(&rel, h.registry); err != nil {
		return validationFailed(err)
	}
	if h.registry.GetRelation(rel.Name) != nil {
		return engine.ConflictError("Relation already exists: " + rel.Name)
	}

	defJSON, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("INSERT INTO _relations (name, source, target, definition) VALUES (%s, %s, %s, %s)",
		pb.Add(rel.Name), pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(string(defJSON)))
	if _, err := store.Exec(ctx, h.store.DB, query, pb.Params()...); err != nil {
		return mapStoreError(h.store, err, "Relation already exists: "+rel.Name)
	}

	if err := h.migrateJoinTable(ctx, &rel); err != nil {
		return err
	}
	if err := h.reload(ctx); err != nil {
		return err
	}

	return c.Status(201).JSON(fiber.Map{"data": rel})
}

func (h *Handler) UpdateRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetRelation(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Relation not found: "+name)
	}

	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	rel.Name = name

	if err := validateRelation(&rel, h.registry); err != nil {
		return validationFailed(err)
	}

	defJSON, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("UPDATE _relations SET source = %s, target = %s, definition = %s, updated_at = %s WHERE name = %s",
		pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(string(defJSON)), h.store.Dialect.NowExpr(), pb.Add(name))
	if _, err := store.Exec(ctx, h.store.DB, query, pb.Params()...); err != nil {
		return fmt.Errorf("update relation: %w", err)
	}

	if err := h.migrateJoinTable(ctx, &rel); err != nil {
		return err
	}
	if err := h.reload(ctx); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": rel})
}

func (h *Handler) DeleteRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetRelation(name) == nil {
		return engine.NewAppError("NOT_FOUND", 404, "Relation not found: "+name)
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	if _, err := store.Exec(ctx, h.store.DB, fmt.Sprintf("DELETE FROM _relations WHERE name = %s", pb.Add(name)), pb.Params()...); err != nil {
		return fmt.Errorf("delete relation %s: %w", name, err)
	}
	if err := h.reload(ctx); err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

// reload refreshes the registry from the database and rebuilds the
// relation-backed entity mappers. Relations that conflict with registered
// mappers are skipped and logged, they do not fail the request.
func (h *Handler) reload(ctx context.Context) error {
	if err := metadata.Reload(ctx, h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	if err := h.mappers.LoadRelations(h.registry.AllRelations(), h.registry, h.records); err != nil {
		log.Warn("some relations were not registered as entity mappers", log.FieldComponent("admin"), zap.Error(err))
	}
	return nil
}

func (h *Handler) migrateJoinTable(ctx context.Context, rel *metadata.Relation) error {
	if !rel.IsManyToMany() {
		return nil
	}
	source := h.registry.GetEntity(rel.Source)
	target := h.registry.GetEntity(rel.Target)
	if err := h.migrator.MigrateJoinTable(ctx, rel, source, target); err != nil {
		return fmt.Errorf("create join table: %w", err)
	}
	return nil
}

// --- Validation ---

func validateEntity(e *metadata.Entity) error {
	if err := metadata.Validate(e); err != nil {
		return err
	}
	if !e.HasField(e.PrimaryKey.Field) {
		return fmt.Errorf("primary key field %s not found in fields", e.PrimaryKey.Field)
	}
	return nil
}

func validateRelation(r *metadata.Relation, reg *metadata.Registry) error {
	if err := metadata.Validate(r); err != nil {
		return err
	}
	source := reg.GetEntity(r.Source)
	if source == nil {
		return fmt.Errorf("source resource type not found: %s", r.Source)
	}
	target := reg.GetEntity(r.Target)
	if target == nil {
		return fmt.Errorf("target resource type not found: %s", r.Target)
	}
	if !source.HasField(r.SourceKey) {
		return fmt.Errorf("source key %s not found on %s", r.SourceKey, r.Source)
	}
	if !target.HasField(r.TargetKeyField(target)) {
		return fmt.Errorf("target key %s not found on %s", r.TargetKeyField(target), r.Target)
	}
	return nil
}

func validationFailed(err error) *engine.AppError {
	return engine.ValidationError([]engine.ErrorDetail{{Message: err.Error()}})
}

func mapStoreError(s *store.Store, err error, conflict string) error {
	err = store.MapError(s.Dialect, err)
	if errors.Is(err, store.ErrUniqueViolation) {
		return engine.ConflictError(conflict)
	}
	return err
}
