package predicate

import "testing"

func TestQueryRootAliases(t *testing.T) {
	q := NewQuery()
	a := q.Root("document")
	b := q.Root("case_definition")
	if a.Alias != "r0" || b.Alias != "r1" {
		t.Fatalf("expected aliases r0, r1, got %s, %s", a.Alias, b.Alias)
	}
	if a.Resource != "document" {
		t.Fatalf("expected resource document, got %s", a.Resource)
	}
}

func TestAndOf(t *testing.T) {
	root := NewQuery().Root("document")
	eq := Compare(Col(root, "status"), Eq, Val("open"))
	ne := Compare(Col(root, "owner"), Ne, Val("bob"))

	tests := []struct {
		name  string
		terms []Predicate
		want  string
	}{
		{"empty is true", nil, "TRUE"},
		{"single term unwrapped", []Predicate{eq}, `r0.status = "open"`},
		{"true dropped", []Predicate{True, eq}, `r0.status = "open"`},
		{"false absorbs", []Predicate{eq, False}, "FALSE"},
		{"flattened", []Predicate{AndOf(eq, ne), eq}, `(r0.status = "open" AND r0.owner <> "bob" AND r0.status = "open")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := String(AndOf(tt.terms...))
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestOrOf(t *testing.T) {
	root := NewQuery().Root("document")
	eq := Compare(Col(root, "status"), Eq, Val("open"))
	isNull := IsNull{Operand: Col(root, "owner")}

	tests := []struct {
		name  string
		terms []Predicate
		want  string
	}{
		{"empty is false", nil, "FALSE"},
		{"false dropped", []Predicate{False, eq}, `r0.status = "open"`},
		{"true absorbs", []Predicate{eq, True}, "TRUE"},
		{"two terms", []Predicate{eq, isNull}, `(r0.status = "open" OR r0.owner IS NULL)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := String(OrOf(tt.terms...))
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestExistsIn(t *testing.T) {
	q := NewQuery()
	outer := q.Root("task")
	inner := q.Root("document")

	if !IsFalse(ExistsIn(inner, False)) {
		t.Fatal("expected EXISTS over FALSE to collapse to FALSE")
	}

	p := ExistsIn(inner, Compare(Col(inner, "business_key"), Eq, Col(outer, "business_key")))
	want := "EXISTS(document r1 WHERE r1.business_key = r0.business_key)"
	if got := String(p); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestIsTrueIsFalse(t *testing.T) {
	if !IsTrue(True) || IsTrue(False) {
		t.Fatal("IsTrue mismatch")
	}
	if !IsFalse(False) || IsFalse(True) {
		t.Fatal("IsFalse mismatch")
	}
	if IsTrue(In{}) || IsFalse(In{}) {
		t.Fatal("non-constant predicate must be neither true nor false")
	}
}
