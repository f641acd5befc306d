package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

var (
	sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	jsonSegment   = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// PredicateCompiler renders predicate trees as SQL boolean expressions for
// one dialect. Resource roots resolve to tables through the registry.
type PredicateCompiler struct {
	dialect Dialect
	reg     *metadata.Registry
}

func NewPredicateCompiler(dialect Dialect, reg *metadata.Registry) *PredicateCompiler {
	return &PredicateCompiler{dialect: dialect, reg: reg}
}

// Compile renders p, appending its parameters to pb.
func (c *PredicateCompiler) Compile(p predicate.Predicate, pb ParamBuilder) (string, error) {
	switch v := p.(type) {
	case nil:
		return "", fmt.Errorf("compile predicate: nil predicate")
	case predicate.Const:
		if v {
			return "1=1", nil
		}
		return "1=0", nil
	case predicate.Comparison:
		left, err := c.operand(v.Left, pb)
		if err != nil {
			return "", err
		}
		right, err := c.operand(v.Right, pb)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", left, v.Op, right), nil
	case predicate.In:
		if len(v.Values) == 0 {
			return "1=0", nil
		}
		expr, err := c.operand(v.Operand, pb)
		if err != nil {
			return "", err
		}
		return c.dialect.InExpr(expr, pb, v.Values), nil
	case predicate.IsNull:
		expr, err := c.operand(v.Operand, pb)
		if err != nil {
			return "", err
		}
		if v.Negate {
			return expr + " IS NOT NULL", nil
		}
		return expr + " IS NULL", nil
	case predicate.Contains:
		return c.contains(v, pb)
	case predicate.JSONType:
		col, err := c.column(v.Path.Root, v.Path.Column)
		if err != nil {
			return "", err
		}
		if err := checkPath(v.Path.Path); err != nil {
			return "", err
		}
		return c.dialect.JSONTypeExpr(col, v.Path.Path, v.Path.As), nil
	case predicate.And:
		return c.joined(v.Terms, " AND ", "1=1", pb)
	case predicate.Or:
		return c.joined(v.Terms, " OR ", "1=0", pb)
	case predicate.Exists:
		table, err := c.Table(v.Root)
		if err != nil {
			return "", err
		}
		where, err := c.Compile(v.Where, pb)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s)", table, v.Root.Alias, where), nil
	default:
		return "", fmt.Errorf("compile predicate: unsupported node %T", p)
	}
}

// Table resolves the table behind a root.
func (c *PredicateCompiler) Table(root *predicate.Root) (string, error) {
	if root == nil {
		return "", fmt.Errorf("compile predicate: nil root")
	}
	table := root.Table
	if table == "" {
		entity := c.reg.GetEntity(root.Resource)
		if entity == nil {
			return "", fmt.Errorf("compile predicate: unknown resource type %q", root.Resource)
		}
		table = entity.Table
	}
	if !sqlIdentifier.MatchString(table) || !sqlIdentifier.MatchString(root.Alias) {
		return "", fmt.Errorf("compile predicate: invalid table %q or alias %q", table, root.Alias)
	}
	return table, nil
}

func (c *PredicateCompiler) joined(terms []predicate.Predicate, sep, empty string, pb ParamBuilder) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		s, err := c.Compile(t, pb)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (c *PredicateCompiler) contains(v predicate.Contains, pb ParamBuilder) (string, error) {
	switch o := v.Operand.(type) {
	case predicate.Column:
		col, err := c.column(o.Root, o.Name)
		if err != nil {
			return "", err
		}
		return c.dialect.JSONContainsExpr(col, nil, pb, v.Value), nil
	case predicate.JSONPath:
		col, err := c.column(o.Root, o.Column)
		if err != nil {
			return "", err
		}
		if err := checkPath(o.Path); err != nil {
			return "", err
		}
		return c.dialect.JSONContainsExpr(col, o.Path, pb, v.Value), nil
	default:
		return "", fmt.Errorf("compile predicate: contains needs a column, got %T", v.Operand)
	}
}

func (c *PredicateCompiler) operand(o predicate.Operand, pb ParamBuilder) (string, error) {
	switch v := o.(type) {
	case predicate.Column:
		return c.column(v.Root, v.Name)
	case predicate.JSONPath:
		col, err := c.column(v.Root, v.Column)
		if err != nil {
			return "", err
		}
		if err := checkPath(v.Path); err != nil {
			return "", err
		}
		return c.dialect.JSONExtractExpr(col, v.Path, v.As), nil
	case predicate.Value:
		return pb.Add(v.V), nil
	case predicate.Instant:
		if val, ok := v.Operand.(predicate.Value); ok {
			if t, ok := val.V.(time.Time); ok {
				return c.dialect.TimestampExpr(pb.Add(c.dialect.TimeParam(t))), nil
			}
		}
		expr, err := c.operand(v.Operand, pb)
		if err != nil {
			return "", err
		}
		return c.dialect.TimestampExpr(expr), nil
	default:
		return "", fmt.Errorf("compile predicate: unsupported operand %T", o)
	}
}

func (c *PredicateCompiler) column(root *predicate.Root, name string) (string, error) {
	if root == nil {
		return "", fmt.Errorf("compile predicate: column %q without root", name)
	}
	if !sqlIdentifier.MatchString(name) || !sqlIdentifier.MatchString(root.Alias) {
		return "", fmt.Errorf("compile predicate: invalid column %q", name)
	}
	return root.Alias + "." + name, nil
}

func checkPath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("compile predicate: empty json path")
	}
	for _, seg := range path {
		if !jsonSegment.MatchString(seg) {
			return fmt.Errorf("compile predicate: invalid json path segment %q", seg)
		}
	}
	return nil
}
