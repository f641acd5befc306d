// Package predicate is a storage-agnostic boolean expression tree over
// resource rows. The authorization engine builds predicates; storage
// adapters compile them into their own query language.
package predicate

import "fmt"

// Op is a binary comparison operator.
type Op string

const (
	Eq Op = "="
	Ne Op = "<>"
	Gt Op = ">"
	Ge Op = ">="
	Lt Op = "<"
	Le Op = "<="
)

// Root is a row source inside a query: a resource type bound to an alias.
// Table is set instead of Resource for auxiliary tables such as join tables.
type Root struct {
	Resource string
	Table    string
	Alias    string
}

// Query allocates roots for one predicate tree. It is not safe for
// concurrent use; build one per request.
type Query struct {
	next int
}

func NewQuery() *Query {
	return &Query{}
}

// Root returns a new root for the resource with a unique alias.
func (q *Query) Root(resource string) *Root {
	r := &Root{Resource: resource, Alias: fmt.Sprintf("r%d", q.next)}
	q.next++
	return r
}

// Table returns a new root over a plain table that is not a resource type.
func (q *Query) Table(name string) *Root {
	r := &Root{Table: name, Alias: fmt.Sprintf("r%d", q.next)}
	q.next++
	return r
}

// Operand is a value-producing expression.
type Operand interface {
	isOperand()
}

// Column references a column of a root.
type Column struct {
	Root *Root
	Name string
}

// JSONPath references a value inside a JSON column. As is the JSON type
// the value is compared as: "string", "number", "boolean" or "array".
type JSONPath struct {
	Root   *Root
	Column string
	Path   []string
	As     string
}

// Value is a literal parameter.
type Value struct {
	V any
}

// Instant compares its operand as a point in time rather than as stored
// text, so differently formatted timestamps of the same moment are equal.
type Instant struct {
	Operand Operand
}

func (Column) isOperand()   {}
func (JSONPath) isOperand() {}
func (Value) isOperand()    {}
func (Instant) isOperand()  {}

// Predicate is a boolean expression.
type Predicate interface {
	isPredicate()
}

// Const is a literal true or false.
type Const bool

const (
	True  Const = true
	False Const = false
)

// Comparison compares two operands.
type Comparison struct {
	Left  Operand
	Op    Op
	Right Operand
}

// In is true when the operand equals one of the values. An empty list is false.
type In struct {
	Operand Operand
	Values  []any
}

// IsNull tests an operand for SQL NULL; Negate turns it into IS NOT NULL.
type IsNull struct {
	Operand Operand
	Negate  bool
}

// Contains is true when the operand, a JSON array, holds Value.
type Contains struct {
	Operand Operand
	Value   any
}

// JSONType is true when the value at Path exists and has the JSON type
// Path.As.
type JSONType struct {
	Path JSONPath
}

type And struct {
	Terms []Predicate
}

type Or struct {
	Terms []Predicate
}

// Exists is true when at least one row of Root satisfies Where. Where may
// reference outer roots, which makes the subquery correlated.
type Exists struct {
	Root  *Root
	Where Predicate
}

func (Const) isPredicate()      {}
func (Comparison) isPredicate() {}
func (In) isPredicate()         {}
func (IsNull) isPredicate()     {}
func (Contains) isPredicate()   {}
func (JSONType) isPredicate()   {}
func (And) isPredicate()        {}
func (Or) isPredicate()         {}
func (Exists) isPredicate()     {}

// Col is shorthand for a column operand.
func Col(root *Root, name string) Column {
	return Column{Root: root, Name: name}
}

// Val is shorthand for a literal operand.
func Val(v any) Value {
	return Value{V: v}
}

// Compare builds a comparison.
func Compare(left Operand, op Op, right Operand) Predicate {
	return Comparison{Left: left, Op: op, Right: right}
}

// AndOf conjoins terms. Nested conjunctions are flattened, True terms are
// dropped and any False term makes the result False. No terms yield True.
func AndOf(terms ...Predicate) Predicate {
	out := make([]Predicate, 0, len(terms))
	for _, t := range terms {
		switch v := t.(type) {
		case nil:
			continue
		case Const:
			if !v {
				return False
			}
		case And:
			for _, inner := range v.Terms {
				if c, ok := inner.(Const); ok && !bool(c) {
					return False
				}
			}
			out = append(out, v.Terms...)
		default:
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return True
	case 1:
		return out[0]
	}
	return And{Terms: out}
}

// OrOf disjoins terms. Nested disjunctions are flattened, False terms are
// dropped and any True term makes the result True. No terms yield False.
func OrOf(terms ...Predicate) Predicate {
	out := make([]Predicate, 0, len(terms))
	for _, t := range terms {
		switch v := t.(type) {
		case nil:
			continue
		case Const:
			if v {
				return True
			}
		case Or:
			for _, inner := range v.Terms {
				if c, ok := inner.(Const); ok && bool(c) {
					return True
				}
			}
			out = append(out, v.Terms...)
		default:
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return False
	case 1:
		return out[0]
	}
	return Or{Terms: out}
}

// ExistsIn builds an EXISTS subquery. A False body short-circuits to False.
func ExistsIn(root *Root, where Predicate) Predicate {
	if c, ok := where.(Const); ok && !bool(c) {
		return False
	}
	return Exists{Root: root, Where: where}
}

// IsTrue reports whether p is the constant True.
func IsTrue(p Predicate) bool {
	c, ok := p.(Const)
	return ok && bool(c)
}

// IsFalse reports whether p is the constant False.
func IsFalse(p Predicate) bool {
	c, ok := p.(Const)
	return ok && !bool(c)
}
