package predicate

import (
	"fmt"
	"strings"
)

// String renders a predicate in a compact, SQL-like form for logs and tests.
func String(p Predicate) string {
	var b strings.Builder
	writePredicate(&b, p)
	return b.String()
}

func writePredicate(b *strings.Builder, p Predicate) {
	switch v := p.(type) {
	case nil:
		b.WriteString("<nil>")
	case Const:
		if v {
			b.WriteString("TRUE")
		} else {
			b.WriteString("FALSE")
		}
	case Comparison:
		writeOperand(b, v.Left)
		fmt.Fprintf(b, " %s ", v.Op)
		writeOperand(b, v.Right)
	case In:
		writeOperand(b, v.Operand)
		b.WriteString(" IN (")
		for i, val := range v.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%#v", val)
		}
		b.WriteString(")")
	case IsNull:
		writeOperand(b, v.Operand)
		if v.Negate {
			b.WriteString(" IS NOT NULL")
		} else {
			b.WriteString(" IS NULL")
		}
	case Contains:
		writeOperand(b, v.Operand)
		fmt.Fprintf(b, " CONTAINS %#v", v.Value)
	case JSONType:
		writeOperand(b, v.Path)
		fmt.Fprintf(b, " IS %s", v.Path.As)
	case And:
		writeJoined(b, v.Terms, " AND ")
	case Or:
		writeJoined(b, v.Terms, " OR ")
	case Exists:
		name := v.Root.Resource
		if name == "" {
			name = v.Root.Table
		}
		fmt.Fprintf(b, "EXISTS(%s %s WHERE ", name, v.Root.Alias)
		writePredicate(b, v.Where)
		b.WriteString(")")
	default:
		fmt.Fprintf(b, "<%T>", p)
	}
}

func writeJoined(b *strings.Builder, terms []Predicate, sep string) {
	b.WriteString("(")
	for i, t := range terms {
		if i > 0 {
			b.WriteString(sep)
		}
		writePredicate(b, t)
	}
	b.WriteString(")")
}

func writeOperand(b *strings.Builder, o Operand) {
	switch v := o.(type) {
	case Column:
		fmt.Fprintf(b, "%s.%s", v.Root.Alias, v.Name)
	case JSONPath:
		fmt.Fprintf(b, "%s.%s->$.%s", v.Root.Alias, v.Column, strings.Join(v.Path, "."))
	case Value:
		fmt.Fprintf(b, "%#v", v.V)
	case Instant:
		b.WriteString("instant(")
		writeOperand(b, v.Operand)
		b.WriteString(")")
	default:
		fmt.Fprintf(b, "<%T>", o)
	}
}
