package authz

import (
	"cmp"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
)

var tokenPattern = regexp.MustCompile(`^\$\{\s*(.+?)\s*\}$`)

// Value tokens that substitute attributes of the acting principal.
const (
	TokenNull                  = "null"
	TokenCurrentUserID         = "currentUserId"
	TokenCurrentUserEmail      = "currentUserEmail"
	TokenCurrentUserRoles      = "currentUserRoles"
	TokenCurrentUserIdentifier = "currentUserIdentifier"
)

// ValueResolver turns the declared value of a condition into a runtime
// value. Strings of the form ${...} are tokens or expr-lang expressions;
// everything else is a literal. Compiled expressions are cached.
type ValueResolver struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewValueResolver() *ValueResolver {
	return &ValueResolver{programs: make(map[string]*vm.Program)}
}

// Resolve resolves raw for user at time now. Lists are resolved element by
// element and list-valued elements are flattened into the result.
func (r *ValueResolver) Resolve(user *metadata.UserContext, now time.Time, raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		m := tokenPattern.FindStringSubmatch(v)
		if m == nil {
			return v, nil
		}
		return r.resolveToken(user, now, m[1])
	case []string:
		return r.Resolve(user, now, lo.ToAnySlice(v))
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			res, err := r.Resolve(user, now, item)
			if err != nil {
				return nil, err
			}
			if list, ok := res.([]any); ok {
				out = append(out, list...)
			} else {
				out = append(out, res)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (r *ValueResolver) resolveToken(user *metadata.UserContext, now time.Time, token string) (any, error) {
	switch token {
	case TokenNull:
		return nil, nil
	case TokenCurrentUserID:
		return userAttribute(user, token, func(u *metadata.UserContext) string { return u.ID })
	case TokenCurrentUserEmail:
		return userAttribute(user, token, func(u *metadata.UserContext) string { return u.Email })
	case TokenCurrentUserIdentifier:
		return userAttribute(user, token, func(u *metadata.UserContext) string { return u.Identifier })
	case TokenCurrentUserRoles:
		if user == nil {
			return nil, fmt.Errorf("%w: %s without a user", ErrUnresolvableValue, token)
		}
		return lo.ToAnySlice(user.Roles), nil
	}

	prog, err := r.program(token)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(prog, expressionEnv(user, now))
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate %q: %v", ErrUnresolvableValue, token, err)
	}
	if list, ok := out.([]string); ok {
		return lo.ToAnySlice(list), nil
	}
	return out, nil
}

func (r *ValueResolver) program(code string) (*vm.Program, error) {
	r.mu.RLock()
	prog, ok := r.programs[code]
	r.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(code, expr.Env(expressionEnv(nil, time.Time{})))
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrUnresolvableValue, code, err)
	}
	r.mu.Lock()
	r.programs[code] = prog
	r.mu.Unlock()
	return prog, nil
}

func expressionEnv(user *metadata.UserContext, now time.Time) map[string]any {
	current := map[string]any{"id": "", "email": "", "identifier": "", "roles": []string{}}
	if user != nil {
		current["id"] = user.ID
		current["email"] = user.Email
		current["identifier"] = user.Identifier
		current["roles"] = user.Roles
	}
	return map[string]any{"currentUser": current, "requestTime": now}
}

func userAttribute(user *metadata.UserContext, token string, get func(*metadata.UserContext) string) (any, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: %s without a user", ErrUnresolvableValue, token)
	}
	v := get(user)
	if v == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnresolvableValue, token)
	}
	return v, nil
}

// Comparison kinds. Every field type and JSON value type maps to one.
const (
	kindString = "string"
	kindInt    = "int"
	kindFloat  = "float"
	kindBool   = "bool"
	kindTime   = "time"
	kindJSON   = "json"
)

func fieldKind(fieldType string) string {
	switch fieldType {
	case metadata.FieldTypeInt, metadata.FieldTypeBigInt:
		return kindInt
	case metadata.FieldTypeDecimal, metadata.FieldTypeFloat:
		return kindFloat
	case metadata.FieldTypeBoolean:
		return kindBool
	case metadata.FieldTypeTimestamp:
		return kindTime
	case metadata.FieldTypeJSON:
		return kindJSON
	default:
		return kindString
	}
}

// jsonKind is the kind of a value inside a JSON document. Without a
// declared value type it follows the condition's value.
func jsonKind(valueType string, sample any) string {
	switch valueType {
	case "string":
		return kindString
	case "number":
		return kindFloat
	case "boolean":
		return kindBool
	}
	if list, ok := sample.([]any); ok && len(list) > 0 {
		sample = list[0]
	}
	switch sample.(type) {
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return kindFloat
	default:
		return kindString
	}
}

// jsonAs is the predicate.JSONPath type for a kind.
func jsonAs(kind string) string {
	switch kind {
	case kindFloat, kindInt:
		return "number"
	case kindBool:
		return "boolean"
	case kindJSON:
		return "array"
	default:
		return "string"
	}
}

func coerce(kind string, v any) (any, error) {
	switch kind {
	case kindString:
		return cast.ToStringE(v)
	case kindInt:
		return cast.ToInt64E(v)
	case kindFloat:
		return cast.ToFloat64E(v)
	case kindBool:
		return cast.ToBoolE(v)
	case kindTime:
		// Millisecond precision, as SQLite's date functions keep.
		t, err := cast.ToTimeE(v)
		if err != nil {
			return nil, err
		}
		return t.Round(time.Millisecond), nil
	default:
		return v, nil
	}
}

var predicateOps = map[string]predicate.Op{
	metadata.OperatorEqual:          predicate.Eq,
	metadata.OperatorNotEqual:       predicate.Ne,
	metadata.OperatorGreater:        predicate.Gt,
	metadata.OperatorGreaterOrEqual: predicate.Ge,
	metadata.OperatorLess:           predicate.Lt,
	metadata.OperatorLessOrEqual:    predicate.Le,
}

func isOrdered(op string) bool {
	switch op {
	case metadata.OperatorGreater, metadata.OperatorGreaterOrEqual, metadata.OperatorLess, metadata.OperatorLessOrEqual:
		return true
	}
	return false
}

// checkOperator rejects operators that have no meaning for a kind.
func checkOperator(kind, op string) error {
	switch {
	case op == metadata.OperatorListContains:
		if kind != kindJSON {
			return fmt.Errorf("%w: %s needs a json value", ErrUnknownOperator, op)
		}
	case op == metadata.OperatorIn, predicateOps[op] != "":
		if kind == kindJSON {
			return fmt.Errorf("%w: %s on a json document", ErrUnknownOperator, op)
		}
		if kind == kindBool && isOrdered(op) {
			return fmt.Errorf("%w: %s on a boolean", ErrUnknownOperator, op)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	return nil
}

// comparison is a condition reduced to an operator and a resolved, typed
// value. It evaluates in memory and builds predicates with the same
// semantics, including SQL null handling.
type comparison struct {
	op     string
	kind   string
	isNull bool
	never  bool
	value  any
	values []any
}

// newComparison coerces the resolved value to kind. For list_contains,
// kind is the element kind and values hold the wanted elements.
func newComparison(op, kind string, resolved any) (comparison, error) {
	c := comparison{op: op, kind: kind}
	list, isList := resolved.([]any)

	switch {
	case resolved == nil:
		switch op {
		case metadata.OperatorEqual, metadata.OperatorNotEqual:
			c.isNull = true
		default:
			c.never = true
		}
		return c, nil
	case op == metadata.OperatorListContains:
		if !isList {
			list = []any{resolved}
		}
		c.values = lo.Filter(list, func(v any, _ int) bool { return v != nil })
		return c, nil
	case op == metadata.OperatorIn || (op == metadata.OperatorEqual && isList):
		if !isList {
			list = []any{resolved}
		}
		c.op = metadata.OperatorIn
		for _, v := range list {
			if v == nil {
				continue
			}
			cv, err := coerce(kind, v)
			if err != nil {
				return c, fmt.Errorf("%w: %v is not a %s", ErrUnresolvableValue, v, kind)
			}
			c.values = append(c.values, cv)
		}
		return c, nil
	case isList:
		return c, fmt.Errorf("%w: list value for %s", ErrUnresolvableValue, op)
	}

	cv, err := coerce(kind, resolved)
	if err != nil {
		return c, fmt.Errorf("%w: %v is not a %s", ErrUnresolvableValue, resolved, kind)
	}
	c.value = cv
	return c, nil
}

func (c comparison) evaluate(actual any) bool {
	if c.isNull {
		if c.op == metadata.OperatorEqual {
			return actual == nil
		}
		return actual != nil
	}
	if c.never || actual == nil {
		return false
	}

	if c.op == metadata.OperatorListContains {
		elems, ok := decodeJSON(actual).([]any)
		if !ok {
			return false
		}
		for _, want := range c.values {
			for _, elem := range elems {
				if jsonElementEquals(elem, want) {
					return true
				}
			}
		}
		return false
	}

	typed, err := coerce(c.kind, actual)
	if err != nil {
		return false
	}
	if c.op == metadata.OperatorIn {
		return lo.ContainsBy(c.values, func(v any) bool {
			r, ok := compareTyped(c.kind, typed, v)
			return ok && r == 0
		})
	}
	r, ok := compareTyped(c.kind, typed, c.value)
	if !ok {
		return false
	}
	switch c.op {
	case metadata.OperatorEqual:
		return r == 0
	case metadata.OperatorNotEqual:
		return r != 0
	case metadata.OperatorGreater:
		return r > 0
	case metadata.OperatorGreaterOrEqual:
		return r >= 0
	case metadata.OperatorLess:
		return r < 0
	case metadata.OperatorLessOrEqual:
		return r <= 0
	}
	return false
}

func (c comparison) predicate(operand predicate.Operand) predicate.Predicate {
	switch {
	case c.isNull:
		return predicate.IsNull{Operand: operand, Negate: c.op == metadata.OperatorNotEqual}
	case c.never:
		return predicate.False
	case c.op == metadata.OperatorListContains:
		terms := lo.Map(c.values, func(v any, _ int) predicate.Predicate {
			return predicate.Contains{Operand: operand, Value: v}
		})
		return predicate.OrOf(terms...)
	case c.kind == kindTime:
		return c.instantPredicate(operand)
	case c.op == metadata.OperatorIn:
		if len(c.values) == 0 {
			return predicate.False
		}
		return predicate.In{Operand: operand, Values: c.values}
	}
	return predicate.Compare(operand, predicateOps[c.op], predicate.Val(c.value))
}

// instantPredicate compares timestamps by instant. IN becomes a disjunction
// of equalities since IN lists bind their values unconverted.
func (c comparison) instantPredicate(operand predicate.Operand) predicate.Predicate {
	at := predicate.Instant{Operand: operand}
	if c.op == metadata.OperatorIn {
		return predicate.OrOf(lo.Map(c.values, func(v any, _ int) predicate.Predicate {
			return predicate.Compare(at, predicate.Eq, predicate.Instant{Operand: predicate.Val(v)})
		})...)
	}
	return predicate.Compare(at, predicateOps[c.op], predicate.Instant{Operand: predicate.Val(c.value)})
}

// compareTyped orders two values already coerced to kind.
func compareTyped(kind string, a, b any) (int, bool) {
	switch kind {
	case kindString:
		x, ok1 := a.(string)
		y, ok2 := b.(string)
		return strings.Compare(x, y), ok1 && ok2
	case kindInt:
		x, ok1 := a.(int64)
		y, ok2 := b.(int64)
		return cmp.Compare(x, y), ok1 && ok2
	case kindFloat:
		x, ok1 := a.(float64)
		y, ok2 := b.(float64)
		return cmp.Compare(x, y), ok1 && ok2
	case kindTime:
		x, ok1 := a.(time.Time)
		y, ok2 := b.(time.Time)
		return x.Compare(y), ok1 && ok2
	case kindBool:
		x, ok1 := a.(bool)
		y, ok2 := b.(bool)
		if x == y {
			return 0, ok1 && ok2
		}
		if !x {
			return -1, ok1 && ok2
		}
		return 1, ok1 && ok2
	}
	return 0, false
}

func jsonElementEquals(elem, want any) bool {
	switch w := want.(type) {
	case string:
		s, ok := elem.(string)
		return ok && s == w
	case bool:
		b, ok := elem.(bool)
		return ok && b == w
	}
	wf, err := cast.ToFloat64E(want)
	if err != nil {
		return false
	}
	switch elem.(type) {
	case float64, float32, int, int64, int32, json.Number:
		return cast.ToFloat64(elem) == wf
	}
	return false
}

// decodeJSON decodes JSON text; other values are returned unchanged.
func decodeJSON(v any) any {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		return v
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return v
	}
	return doc
}

// lookupPath walks object keys of a JSON document. Anything that is not an
// object along the way yields nil.
func lookupPath(doc any, path []string) any {
	cur := decodeJSON(doc)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}
