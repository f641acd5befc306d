package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"valtimo-authz/internal/metadata"
)

// PermissionStore persists roles and their permission sets.
type PermissionStore struct {
	store *Store
}

func NewPermissionStore(s *Store) *PermissionStore {
	return &PermissionStore{store: s}
}

// ListRoles returns all role keys in order.
func (p *PermissionStore) ListRoles(ctx context.Context) ([]*metadata.Role, error) {
	rows, err := QueryRows(ctx, p.store.DB, "SELECT key FROM _roles ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	roles := make([]*metadata.Role, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, &metadata.Role{Key: fmt.Sprint(row["key"])})
	}
	return roles, nil
}

// CreateRole inserts a role. ErrUniqueViolation is returned for duplicates.
func (p *PermissionStore) CreateRole(ctx context.Context, role *metadata.Role) error {
	pb := p.store.Dialect.NewParamBuilder()
	_, err := Exec(ctx, p.store.DB, fmt.Sprintf("INSERT INTO _roles (key) VALUES (%s)", pb.Add(role.Key)), pb.Params()...)
	return MapError(p.store.Dialect, err)
}

// DeleteRole removes a role; its permissions cascade.
func (p *PermissionStore) DeleteRole(ctx context.Context, key string) error {
	pb := p.store.Dialect.NewParamBuilder()
	n, err := Exec(ctx, p.store.DB, fmt.Sprintf("DELETE FROM _roles WHERE key = %s", pb.Add(key)), pb.Params()...)
	if err != nil {
		return MapError(p.store.Dialect, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RolePermissions returns the stored permission set of a role.
func (p *PermissionStore) RolePermissions(ctx context.Context, key string) ([]*metadata.PermissionDefinition, error) {
	pb := p.store.Dialect.NewParamBuilder()
	rows, err := p.store.DB.QueryContext(ctx,
		fmt.Sprintf("SELECT id, definition FROM _permissions WHERE role_key = %s ORDER BY created_at, id", pb.Add(key)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var defs []*metadata.PermissionDefinition
	for rows.Next() {
		var id string
		var defJSON []byte
		if err := rows.Scan(&id, &defJSON); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		var def metadata.PermissionDefinition
		if err := json.Unmarshal(defJSON, &def); err != nil {
			return nil, fmt.Errorf("decode permission %s: %w", id, err)
		}
		def.ID = id
		def.RoleKey = key
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// ReplaceRolePermissions replaces the whole permission set of a role in one
// transaction, creating the role when needed. The stored definitions, with
// their new ids, are returned.
func (p *PermissionStore) ReplaceRolePermissions(ctx context.Context, key string, defs []*metadata.PermissionDefinition) ([]*metadata.PermissionDefinition, error) {
	var stored []*metadata.PermissionDefinition
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = p.replaceInTx(ctx, tx, key, defs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Deploy applies a deployment in one transaction: every role it declares or
// references has its permission set replaced by the deployment's.
func (p *PermissionStore) Deploy(ctx context.Context, d *metadata.Deployment) (map[string][]*metadata.PermissionDefinition, error) {
	result := make(map[string][]*metadata.PermissionDefinition)
	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for key, defs := range d.PermissionsByRole() {
			stored, err := p.replaceInTx(ctx, tx, key, defs)
			if err != nil {
				return err
			}
			result[key] = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PermissionStore) replaceInTx(ctx context.Context, tx *sql.Tx, key string, defs []*metadata.PermissionDefinition) ([]*metadata.PermissionDefinition, error) {
	if err := p.ensureRole(ctx, tx, key); err != nil {
		return nil, err
	}

	pb := p.store.Dialect.NewParamBuilder()
	if _, err := Exec(ctx, tx, fmt.Sprintf("DELETE FROM _permissions WHERE role_key = %s", pb.Add(key)), pb.Params()...); err != nil {
		return nil, fmt.Errorf("delete permissions of %s: %w", key, err)
	}

	stored := make([]*metadata.PermissionDefinition, 0, len(defs))
	for _, def := range defs {
		cp := *def
		cp.ID = uuid.NewString()
		cp.RoleKey = key

		defJSON, err := json.Marshal(cp)
		if err != nil {
			return nil, fmt.Errorf("marshal permission: %w", err)
		}

		pb := p.store.Dialect.NewParamBuilder()
		query := fmt.Sprintf("INSERT INTO _permissions (id, role_key, resource_type, action, definition) VALUES (%s, %s, %s, %s, %s)",
			pb.Add(cp.ID), pb.Add(key), pb.Add(cp.ResourceType), pb.Add(cp.Action), pb.Add(string(defJSON)))
		if _, err := Exec(ctx, tx, query, pb.Params()...); err != nil {
			return nil, fmt.Errorf("insert permission: %w", MapError(p.store.Dialect, err))
		}
		stored = append(stored, &cp)
	}
	return stored, nil
}

func (p *PermissionStore) ensureRole(ctx context.Context, tx *sql.Tx, key string) error {
	pb := p.store.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, tx, fmt.Sprintf("SELECT key FROM _roles WHERE key = %s", pb.Add(key)), pb.Params()...)
	if err == nil && row != nil {
		return nil
	}
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("lookup role %s: %w", key, err)
	}

	pb = p.store.Dialect.NewParamBuilder()
	if _, err := Exec(ctx, tx, fmt.Sprintf("INSERT INTO _roles (key) VALUES (%s)", pb.Add(key)), pb.Params()...); err != nil {
		return fmt.Errorf("insert role %s: %w", key, MapError(p.store.Dialect, err))
	}
	return nil
}
