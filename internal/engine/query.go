package engine

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
	"valtimo-authz/internal/store"
)

type QueryPlan struct {
	Entity  *metadata.Entity
	Query   *predicate.Query
	Root    *predicate.Root
	Filters []predicate.Predicate
	Sorts   []OrderClause
	Page    int
	PerPage int
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

type QueryResult struct {
	SQL    string
	Params []any
}

var filterOps = map[string]predicate.Op{
	"eq":  predicate.Eq,
	"neq": predicate.Ne,
	"gt":  predicate.Gt,
	"gte": predicate.Ge,
	"lt":  predicate.Lt,
	"lte": predicate.Le,
}

// ParseQueryParams parses filter[field.op]=value, sort, page and per_page.
// Filters become predicates over the plan's root so they combine with the
// authorization filter in one WHERE clause.
func ParseQueryParams(c *fiber.Ctx, entity *metadata.Entity) (*QueryPlan, error) {
	q := predicate.NewQuery()
	plan := &QueryPlan{
		Entity:  entity,
		Query:   q,
		Root:    q.Root(entity.Name),
		Page:    1,
		PerPage: 25,
	}

	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[7 : len(key)-1])

		f := entity.GetField(field)
		if f == nil || f.IsJSON() {
			return nil, &AppError{
				Code:    "UNKNOWN_FIELD",
				Status:  400,
				Message: fmt.Sprintf("Unknown filter field: %s", field),
			}
		}

		p, err := buildFilter(plan.Root, f, op, val)
		if err != nil {
			return nil, &AppError{
				Code:    "INVALID_PAYLOAD",
				Status:  400,
				Message: fmt.Sprintf("Invalid filter for %s: %v", field, err),
			}
		}
		plan.Filters = append(plan.Filters, p)
	}

	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			dir := "ASC"
			field := part
			if strings.HasPrefix(part, "-") {
				dir = "DESC"
				field = part[1:]
			}
			if !entity.HasField(field) {
				return nil, &AppError{
					Code:    "UNKNOWN_FIELD",
					Status:  400,
					Message: fmt.Sprintf("Unknown sort field: %s", field),
				}
			}
			plan.Sorts = append(plan.Sorts, OrderClause{Field: field, Dir: dir})
		}
	}

	if v := cast.ToInt(c.Query("page")); v > 0 {
		plan.Page = v
	}
	if v := cast.ToInt(c.Query("per_page")); v > 0 {
		plan.PerPage = min(v, 100)
	}

	return plan, nil
}

// BuildSelectSQL renders the plan restricted by access.
func BuildSelectSQL(plan *QueryPlan, compiler *store.PredicateCompiler, dialect store.Dialect, access predicate.Predicate) (QueryResult, error) {
	pb := dialect.NewParamBuilder()
	from, where, err := fromWhere(plan, compiler, pb, access)
	if err != nil {
		return QueryResult{}, err
	}

	columns := lo.Map(plan.Entity.FieldNames(), func(name string, _ int) string { return plan.Root.Alias + "." + name })
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(columns, ", "), from, where)

	orders := lo.Map(plan.Sorts, func(s OrderClause, _ int) string {
		return fmt.Sprintf("%s.%s %s", plan.Root.Alias, s.Field, s.Dir)
	})
	orders = append(orders, fmt.Sprintf("%s.%s ASC", plan.Root.Alias, plan.Entity.PrimaryKey.Field))
	sql += " ORDER BY " + strings.Join(orders, ", ")

	limit := pb.Add(plan.PerPage)
	offset := pb.Add((plan.Page - 1) * plan.PerPage)
	sql += fmt.Sprintf(" LIMIT %s OFFSET %s", limit, offset)

	return QueryResult{SQL: sql, Params: pb.Params()}, nil
}

// BuildCountSQL counts the rows BuildSelectSQL pages over.
func BuildCountSQL(plan *QueryPlan, compiler *store.PredicateCompiler, dialect store.Dialect, access predicate.Predicate) (QueryResult, error) {
	pb := dialect.NewParamBuilder()
	from, where, err := fromWhere(plan, compiler, pb, access)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{
		SQL:    fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s", from, where),
		Params: pb.Params(),
	}, nil
}

func fromWhere(plan *QueryPlan, compiler *store.PredicateCompiler, pb store.ParamBuilder, access predicate.Predicate) (string, string, error) {
	table, err := compiler.Table(plan.Root)
	if err != nil {
		return "", "", err
	}
	terms := append([]predicate.Predicate{access}, plan.Filters...)
	where, err := compiler.Compile(predicate.AndOf(terms...), pb)
	if err != nil {
		return "", "", fmt.Errorf("compile filter: %w", err)
	}
	return table + " AS " + plan.Root.Alias, where, nil
}

func buildFilter(root *predicate.Root, field *metadata.Field, op, raw string) (predicate.Predicate, error) {
	col := predicate.Col(root, field.Name)
	switch op {
	case "null":
		return predicate.IsNull{Operand: col, Negate: !cast.ToBool(raw)}, nil
	case "in", "not_in":
		values := make([]any, 0)
		for _, part := range strings.Split(raw, ",") {
			v, err := coerceSingleValue(field, strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		if op == "in" {
			return predicate.In{Operand: col, Values: values}, nil
		}
		return predicate.AndOf(lo.Map(values, func(v any, _ int) predicate.Predicate {
			return predicate.Compare(col, predicate.Ne, predicate.Val(v))
		})...), nil
	}

	cmp, ok := filterOps[op]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	v, err := coerceSingleValue(field, raw)
	if err != nil {
		return nil, err
	}
	return predicate.Compare(col, cmp, predicate.Val(v)), nil
}

// parseFilterKey splits "size.gte" into ("size", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "eq"
}

func coerceSingleValue(field *metadata.Field, val string) (any, error) {
	switch field.Type {
	case metadata.FieldTypeInt, metadata.FieldTypeBigInt:
		return cast.ToInt64E(val)
	case metadata.FieldTypeDecimal, metadata.FieldTypeFloat:
		return cast.ToFloat64E(val)
	case metadata.FieldTypeBoolean:
		return cast.ToBoolE(val)
	default:
		return val, nil
	}
}
