package authz

import (
	"valtimo-authz/internal/predicate"
)

// FieldCondition compares a column of the resource with a value.
type FieldCondition struct {
	Field    string
	Operator string
	Value    any
}

func (c *FieldCondition) conditionType() string { return "field" }

func (c *FieldCondition) compile(ec *EvalContext, resourceType string) (comparison, error) {
	f, err := ec.field(resourceType, c.Field)
	if err != nil {
		return comparison{}, err
	}
	kind := fieldKind(f.Type)
	if err := checkOperator(kind, c.Operator); err != nil {
		return comparison{}, err
	}
	v, err := ec.resolve(c.Value)
	if err != nil {
		return comparison{}, err
	}
	return newComparison(c.Operator, kind, v)
}

func (c *FieldCondition) evaluate(ec *EvalContext, resourceType string, entity Entity) (bool, error) {
	cmp, err := c.compile(ec, resourceType)
	if err != nil {
		return false, err
	}
	return cmp.evaluate(entity[c.Field]), nil
}

func (c *FieldCondition) predicate(ec *EvalContext, root *predicate.Root) (predicate.Predicate, error) {
	cmp, err := c.compile(ec, root.Resource)
	if err != nil {
		return nil, err
	}
	return cmp.predicate(predicate.Col(root, c.Field)), nil
}
