package authz

import (
	"fmt"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

// Permission grants Action on ResourceType to the role RoleKey when all
// Conditions hold. With ContextResourceType set, the request must also
// carry a context entity of that type satisfying ContextConditions.
type Permission struct {
	ID                  string
	ResourceType        string
	Action              string
	RoleKey             string
	Conditions          []Condition
	ContextResourceType string
	ContextConditions   []Condition
}

// NewPermission builds a permission from its declarative definition.
func NewPermission(def *metadata.PermissionDefinition) (*Permission, error) {
	conds, err := BuildConditions(def.Conditions)
	if err != nil {
		return nil, fmt.Errorf("permission %s %s/%s: %w", def.ID, def.ResourceType, def.Action, err)
	}
	ctxConds, err := BuildConditions(def.ContextConditions)
	if err != nil {
		return nil, fmt.Errorf("permission %s %s/%s context: %w", def.ID, def.ResourceType, def.Action, err)
	}
	return &Permission{
		ID:                  def.ID,
		ResourceType:        def.ResourceType,
		Action:              def.Action,
		RoleKey:             def.RoleKey,
		Conditions:          conds,
		ContextResourceType: def.ContextResourceType,
		ContextConditions:   ctxConds,
	}, nil
}

func (p *Permission) AppliesTo(resourceType, action string) bool {
	return p.ResourceType == resourceType && p.Action == action
}

// Test evaluates the permission against a loaded entity.
func (p *Permission) Test(ec *EvalContext, entity Entity) (bool, error) {
	ok, err := p.contextAllows(ec)
	if err != nil || !ok {
		return false, err
	}
	return evaluateAll(ec, p.Conditions, p.ResourceType, entity)
}

// Predicate builds the filter equivalent of Test over rows of root.
func (p *Permission) Predicate(ec *EvalContext, q *predicate.Query, root *predicate.Root) (predicate.Predicate, error) {
	ok, err := p.contextAllows(ec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return predicate.False, nil
	}
	return predicateAll(ec, p.Conditions, q, root)
}

// TestRelated evaluates the permission from an entity of another type. Each
// condition must be a container reachable from relatedType; any other
// condition cannot be decided and denies.
func (p *Permission) TestRelated(ec *EvalContext, relatedType string, related Entity) (bool, error) {
	ok, err := p.contextAllows(ec)
	if err != nil || !ok {
		return false, err
	}
	for _, c := range p.Conditions {
		container, isContainer := c.(*ContainerCondition)
		if !isContainer {
			return false, nil
		}
		ok, err := container.evaluate(ec, relatedType, related)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// contextAllows checks the context requirement. Context conditions are
// evaluated in memory on both paths since the context is one known entity.
func (p *Permission) contextAllows(ec *EvalContext) (bool, error) {
	if p.ContextResourceType == "" {
		return true, nil
	}
	rc := ec.resource
	if rc == nil || rc.Entity == nil || rc.ResourceType != p.ContextResourceType {
		return false, nil
	}
	return evaluateAll(ec, p.ContextConditions, rc.ResourceType, rc.Entity)
}
