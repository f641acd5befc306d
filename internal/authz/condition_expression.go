package authz

import (
	"fmt"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

// ExpressionCondition compares the value at a JSON path inside a JSON
// column, such as a document's content. ValueType ("string", "number" or
// "boolean") fixes the comparison type; when empty it follows Value.
type ExpressionCondition struct {
	Field     string
	Path      string
	Operator  string
	Value     any
	ValueType string

	segments []string
}

func NewExpressionCondition(field, path, operator string, value any, valueType string) (*ExpressionCondition, error) {
	segments, err := metadata.JSONPathSegments(path)
	if err != nil {
		return nil, err
	}
	return &ExpressionCondition{
		Field:     field,
		Path:      path,
		Operator:  operator,
		Value:     value,
		ValueType: valueType,
		segments:  segments,
	}, nil
}

func (c *ExpressionCondition) conditionType() string { return "expression" }

func (c *ExpressionCondition) compile(ec *EvalContext, resourceType string) (comparison, error) {
	f, err := ec.field(resourceType, c.Field)
	if err != nil {
		return comparison{}, err
	}
	if !f.IsJSON() {
		return comparison{}, fmt.Errorf("%w: %s.%s is not a json field", ErrUnknownField, resourceType, c.Field)
	}
	v, err := ec.resolve(c.Value)
	if err != nil {
		return comparison{}, err
	}
	kind := jsonKind(c.ValueType, v)
	if c.Operator == metadata.OperatorListContains {
		kind = kindJSON
	}
	if err := checkOperator(kind, c.Operator); err != nil {
		return comparison{}, err
	}
	return newComparison(c.Operator, kind, v)
}

func (c *ExpressionCondition) evaluate(ec *EvalContext, resourceType string, entity Entity) (bool, error) {
	cmp, err := c.compile(ec, resourceType)
	if err != nil {
		return false, err
	}
	actual := lookupPath(entity[c.Field], c.segments)
	if !cmp.isNull && !jsonTypeMatches(cmp.kind, actual) {
		actual = nil
	}
	return cmp.evaluate(actual), nil
}

func (c *ExpressionCondition) predicate(ec *EvalContext, root *predicate.Root) (predicate.Predicate, error) {
	cmp, err := c.compile(ec, root.Resource)
	if err != nil {
		return nil, err
	}
	path := predicate.JSONPath{
		Root:   root,
		Column: c.Field,
		Path:   c.segments,
		As:     jsonAs(cmp.kind),
	}
	if cmp.isNull {
		return cmp.predicate(path), nil
	}
	return predicate.AndOf(predicate.JSONType{Path: path}, cmp.predicate(path)), nil
}

// jsonTypeMatches reports whether a decoded JSON value has the type a kind
// compares. Mismatched values never match, as in a typed SQL comparison.
func jsonTypeMatches(kind string, v any) bool {
	switch v.(type) {
	case nil:
		return true
	case string:
		return kind == kindString
	case float64, float32, int, int32, int64:
		return kind == kindFloat
	case bool:
		return kind == kindBool
	case []any:
		return kind == kindJSON
	default:
		return false
	}
}
