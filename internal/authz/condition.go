package authz

import (
	"fmt"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

// Condition restricts when a permission applies. It is one of
// *FieldCondition, *ExpressionCondition or *ContainerCondition; each
// evaluates against a loaded entity and builds the equivalent predicate.
type Condition interface {
	conditionType() string
}

// BuildConditions converts declarative conditions.
func BuildConditions(defs []metadata.ConditionDefinition) ([]Condition, error) {
	conds := make([]Condition, 0, len(defs))
	for i := range defs {
		c, err := BuildCondition(defs[i])
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// BuildCondition converts one declarative condition.
func BuildCondition(def metadata.ConditionDefinition) (Condition, error) {
	switch def.Type {
	case metadata.ConditionField:
		return &FieldCondition{Field: def.Field, Operator: def.Operator, Value: def.Value}, nil
	case metadata.ConditionExpression:
		return NewExpressionCondition(def.Field, def.Path, def.Operator, def.Value, def.ValueType)
	case metadata.ConditionContainer:
		nested, err := BuildConditions(def.Conditions)
		if err != nil {
			return nil, err
		}
		return &ContainerCondition{ResourceType: def.ResourceType, Conditions: nested}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", def.Type)
	}
}

func evaluateCondition(ec *EvalContext, c Condition, resourceType string, entity Entity) (bool, error) {
	switch c := c.(type) {
	case *FieldCondition:
		return c.evaluate(ec, resourceType, entity)
	case *ExpressionCondition:
		return c.evaluate(ec, resourceType, entity)
	case *ContainerCondition:
		return c.evaluate(ec, resourceType, entity)
	default:
		return false, fmt.Errorf("unsupported condition %T", c)
	}
}

func conditionPredicate(ec *EvalContext, c Condition, q *predicate.Query, root *predicate.Root) (predicate.Predicate, error) {
	switch c := c.(type) {
	case *FieldCondition:
		return c.predicate(ec, root)
	case *ExpressionCondition:
		return c.predicate(ec, root)
	case *ContainerCondition:
		return c.predicate(ec, q, root)
	default:
		return nil, fmt.Errorf("unsupported condition %T", c)
	}
}

// evaluateAll is true iff every condition holds. No conditions hold trivially.
func evaluateAll(ec *EvalContext, conds []Condition, resourceType string, entity Entity) (bool, error) {
	for _, c := range conds {
		ok, err := evaluateCondition(ec, c, resourceType, entity)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func predicateAll(ec *EvalContext, conds []Condition, q *predicate.Query, root *predicate.Root) (predicate.Predicate, error) {
	terms := make([]predicate.Predicate, 0, len(conds))
	for _, c := range conds {
		p, err := conditionPredicate(ec, c, q, root)
		if err != nil {
			return nil, err
		}
		terms = append(terms, p)
	}
	return predicate.AndOf(terms...), nil
}
