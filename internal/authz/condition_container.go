package authz

import (
	"valtimo-authz/internal/predicate"
)

// ContainerCondition moves the check to a related resource type: it holds
// when ANY related entity satisfies all nested conditions. The relation is
// resolved through the mapper registry; a missing mapper fails closed.
type ContainerCondition struct {
	ResourceType string
	Conditions   []Condition
}

func (c *ContainerCondition) conditionType() string { return "container" }

func (c *ContainerCondition) evaluate(ec *EvalContext, resourceType string, entity Entity) (bool, error) {
	if c.ResourceType == resourceType {
		return evaluateAll(ec, c.Conditions, resourceType, entity)
	}
	m, err := ec.mapper(resourceType, c.ResourceType)
	if err != nil {
		return false, err
	}
	related, err := m.MapRelated(ec.ctx, entity)
	if err != nil {
		return false, err
	}
	for _, rel := range related {
		ok, err := evaluateAll(ec, c.Conditions, c.ResourceType, rel)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *ContainerCondition) predicate(ec *EvalContext, q *predicate.Query, root *predicate.Root) (predicate.Predicate, error) {
	if c.ResourceType == root.Resource {
		return predicateAll(ec, c.Conditions, q, root)
	}
	m, err := ec.mapper(root.Resource, c.ResourceType)
	if err != nil {
		return nil, err
	}
	res, err := m.MapQuery(q, root)
	if err != nil {
		return nil, err
	}
	inner, err := predicateAll(ec, c.Conditions, q, res.Root)
	if err != nil {
		return nil, err
	}
	return predicate.ExistsIn(res.Root, predicate.AndOf(res.Join, inner)), nil
}
