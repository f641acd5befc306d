package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError_PG_UniqueViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{
		Code:           "23505",
		Message:        "duplicate key value violates unique constraint \"_roles_pkey\"",
		ConstraintName: "_roles_pkey",
		Detail:         "Key (key)=(case-admin) already exists.",
	}
	wrapped := fmt.Errorf("exec: %w", pgErr)

	mapped := MapError(dialect, wrapped)

	if !errors.Is(mapped, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got: %v", mapped)
	}

	// Original pgconn.PgError should still be extractable
	var extracted *pgconn.PgError
	if !errors.As(mapped, &extracted) {
		t.Fatal("expected pgconn.PgError to still be extractable via errors.As")
	}
	if extracted.ConstraintName != "_roles_pkey" {
		t.Fatalf("expected constraint name '_roles_pkey', got: %s", extracted.ConstraintName)
	}
}

func TestMapError_PG_ForeignKeyViolation(t *testing.T) {
	dialect := &PostgresDialect{}
	pgErr := &pgconn.PgError{Code: "23503", ConstraintName: "_permissions_role_key_fkey"}
	mapped := MapError(dialect, fmt.Errorf("exec: %w", pgErr))
	if !errors.Is(mapped, ErrForeignKeyViolation) {
		t.Fatalf("expected ErrForeignKeyViolation, got: %v", mapped)
	}
}

func TestMapError_PG_OtherError(t *testing.T) {
	dialect := &PostgresDialect{}
	err := fmt.Errorf("some other error")
	mapped := MapError(dialect, err)
	if mapped != err {
		t.Fatalf("expected same error back, got: %v", mapped)
	}
}

func TestMapError_PG_Nil(t *testing.T) {
	dialect := &PostgresDialect{}
	mapped := MapError(dialect, nil)
	if mapped != nil {
		t.Fatalf("expected nil, got: %v", mapped)
	}
}

func TestPostgresJSONExpressions(t *testing.T) {
	d := &PostgresDialect{}
	if got := d.JSONExtractExpr("r0.content", []string{"address", "city"}, "string"); got != "(r0.content #>> '{address,city}')" {
		t.Fatalf("unexpected extract expr: %s", got)
	}
	if got := d.JSONExtractExpr("r0.content", []string{"size"}, "number"); got != "CASE WHEN jsonb_typeof(r0.content #> '{size}') = 'number' THEN (r0.content #>> '{size}')::numeric END" {
		t.Fatalf("unexpected numeric extract expr: %s", got)
	}
	if got := d.JSONTypeExpr("r0.content", []string{"address", "city"}, "string"); got != "jsonb_typeof(r0.content #> '{address,city}') = 'string'" {
		t.Fatalf("unexpected type expr: %s", got)
	}
	if got := d.JSONTypeExpr("r0.content", []string{"tags"}, "array"); got != "jsonb_typeof(r0.content #> '{tags}') = 'array'" {
		t.Fatalf("unexpected array type expr: %s", got)
	}

	pb := d.NewParamBuilder()
	got := d.JSONContainsExpr("r0.tags", nil, pb, "urgent")
	if got != "r0.tags @> $1::jsonb" {
		t.Fatalf("unexpected contains expr: %s", got)
	}
	if pb.Params()[0] != `["urgent"]` {
		t.Fatalf("unexpected contains param: %v", pb.Params()[0])
	}
}

func TestPostgresInExprUsesTypedArray(t *testing.T) {
	d := &PostgresDialect{}
	pb := d.NewParamBuilder()
	got := d.InExpr("r0.status", pb, []any{"open", "closed"})
	if got != "r0.status = ANY($1)" {
		t.Fatalf("unexpected in expr: %s", got)
	}
	arr, ok := pb.Params()[0].([]string)
	if !ok || len(arr) != 2 || arr[1] != "closed" {
		t.Fatalf("expected []string param, got %T %v", pb.Params()[0], pb.Params()[0])
	}

	pb = d.NewParamBuilder()
	d.InExpr("r0.size", pb, []any{int64(1), 2})
	if _, ok := pb.Params()[0].([]int64); !ok {
		t.Fatalf("expected []int64 param, got %T", pb.Params()[0])
	}
}
