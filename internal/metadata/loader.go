package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"valtimo-authz/internal/log"
)

// LoadAll reads resource types, relations, roles and permissions from the
// database and populates the registry.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	entities, err := loadEntities(ctx, db)
	if err != nil {
		return fmt.Errorf("load resource types: %w", err)
	}

	relations, err := loadRelations(ctx, db)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}

	reg.Load(entities, relations)

	roles, err := loadRoles(ctx, db)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}

	permissions, err := loadPermissions(ctx, db)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	reg.LoadAccessControl(roles, permissions)

	log.Info("registry loaded",
		zap.Int("resource_types", len(entities)),
		zap.Int("relations", len(relations)),
		zap.Int("roles", len(roles)),
		zap.Int("permissions", len(permissions)))
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, db *sql.DB, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadEntities(ctx context.Context, db *sql.DB) ([]*Entity, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _resource_types ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan resource type row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			log.Warn("skipping resource type with invalid definition", zap.String("name", name), zap.Error(err))
			continue
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

func loadRelations(ctx context.Context, db *sql.DB) ([]*Relation, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _relations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}

		var rel Relation
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			log.Warn("skipping relation with invalid definition", zap.String("name", name), zap.Error(err))
			continue
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

func loadRoles(ctx context.Context, db *sql.DB) ([]*Role, error) {
	rows, err := db.QueryContext(ctx, "SELECT key FROM _roles ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.Key); err != nil {
			return nil, fmt.Errorf("scan role row: %w", err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

func loadPermissions(ctx context.Context, db *sql.DB) ([]*PermissionDefinition, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, role_key, definition FROM _permissions ORDER BY role_key, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var permissions []*PermissionDefinition
	for rows.Next() {
		var id, roleKey string
		var defJSON []byte
		if err := rows.Scan(&id, &roleKey, &defJSON); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}

		var p PermissionDefinition
		if err := json.Unmarshal(defJSON, &p); err != nil {
			log.Warn("skipping permission with invalid definition", zap.String("id", id), zap.Error(err))
			continue
		}
		p.ID = id
		p.RoleKey = roleKey
		permissions = append(permissions, &p)
	}
	return permissions, rows.Err()
}
