package metadata

import (
	"sort"
	"sync"
)

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	relationsBySource map[string][]*Relation // keyed by source entity name
	relationsByName   map[string]*Relation   // keyed by relation name
	roles             map[string]*Role
	permissionsByRole map[string][]*PermissionDefinition // keyed by role key
}

func NewRegistry() *Registry {
	return &Registry{
		entities:          make(map[string]*Entity),
		relationsBySource: make(map[string][]*Relation),
		relationsByName:   make(map[string]*Relation),
		roles:             make(map[string]*Role),
		permissionsByRole: make(map[string][]*PermissionDefinition),
	}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities sorted by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByName[name]
}

// AllRelations returns all registered relations.
func (r *Registry) AllRelations() []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	relations := make([]*Relation, 0, len(r.relationsByName))
	for _, rel := range r.relationsByName {
		relations = append(relations, rel)
	}
	sort.Slice(relations, func(i, j int) bool { return relations[i].Name < relations[j].Name })
	return relations
}

// Load replaces all entities and relations in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(entities []*Entity, relations []*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}

	r.relationsBySource = make(map[string][]*Relation)
	r.relationsByName = make(map[string]*Relation, len(relations))
	for _, rel := range relations {
		r.relationsByName[rel.Name] = rel
		r.relationsBySource[rel.Source] = append(r.relationsBySource[rel.Source], rel)
	}
}

// GetRole returns the role with the given key, or nil.
func (r *Registry) GetRole(key string) *Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[key]
}

// AllRoles returns all roles sorted by key.
func (r *Registry) AllRoles() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Key < roles[j].Key })
	return roles
}

// LoadAccessControl replaces all roles and permissions in the registry.
// Permissions whose role is unknown are dropped.
func (r *Registry) LoadAccessControl(roles []*Role, permissions []*PermissionDefinition) {
	byRole := make(map[string][]*PermissionDefinition, len(roles))
	roleMap := make(map[string]*Role, len(roles))
	for _, role := range roles {
		roleMap[role.Key] = role
	}
	for _, p := range permissions {
		if _, ok := roleMap[p.RoleKey]; !ok {
			continue
		}
		byRole[p.RoleKey] = append(byRole[p.RoleKey], p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = roleMap
	r.permissionsByRole = byRole
}

// ReplaceRolePermissions swaps the permission set of a single role. Readers
// observe either the complete old set or the complete new set.
func (r *Registry) ReplaceRolePermissions(role *Role, permissions []*PermissionDefinition) {
	set := make([]*PermissionDefinition, len(permissions))
	copy(set, permissions)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.Key] = role
	r.permissionsByRole[role.Key] = set
}

// RemoveRole deletes a role together with its permissions.
func (r *Registry) RemoveRole(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles, key)
	delete(r.permissionsByRole, key)
}

// GetRolePermissions returns the permission set of a role.
func (r *Registry) GetRolePermissions(key string) []*PermissionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permissionsByRole[key]
}

// PermissionsForRoles returns the permissions of the given roles that match
// the resource type and action.
func (r *Registry) PermissionsForRoles(roles []string, resourceType, action string) []*PermissionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*PermissionDefinition
	for _, role := range roles {
		for _, p := range r.permissionsByRole[role] {
			if p.ResourceType == resourceType && p.Action == action {
				result = append(result, p)
			}
		}
	}
	return result
}

// ActionsForResourceType returns the distinct actions any role may be granted
// on the resource type, sorted.
func (r *Registry) ActionsForResourceType(resourceType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, set := range r.permissionsByRole {
		for _, p := range set {
			if p.ResourceType == resourceType {
				seen[p.Action] = true
			}
		}
	}
	actions := make([]string, 0, len(seen))
	for a := range seen {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}
