package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"valtimo-authz/internal/metadata"
)

// RecordStore reads resource rows by resource type. It also serves the
// lookups relation-backed entity mappers need.
type RecordStore struct {
	store *Store
	reg   *metadata.Registry
}

func NewRecordStore(s *Store, reg *metadata.Registry) *RecordStore {
	return &RecordStore{store: s, reg: reg}
}

// Compiler returns a predicate compiler bound to the store's dialect.
func (r *RecordStore) Compiler() *PredicateCompiler {
	return NewPredicateCompiler(r.store.Dialect, r.reg)
}

// Get loads a single row by primary key.
func (r *RecordStore) Get(ctx context.Context, resourceType string, id any) (map[string]any, error) {
	entity, err := r.entity(resourceType)
	if err != nil {
		return nil, err
	}
	pb := r.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		strings.Join(entity.FieldNames(), ", "), entity.Table, entity.PrimaryKey.Field, pb.Add(id))

	row, err := QueryRow(ctx, r.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, err
	}
	r.Normalize(entity, []map[string]any{row})
	return row, nil
}

// FindBy loads the rows of a resource type whose column equals any of values.
func (r *RecordStore) FindBy(ctx context.Context, resourceType, column string, values []any) ([]map[string]any, error) {
	entity, err := r.entity(resourceType)
	if err != nil {
		return nil, err
	}
	if !entity.HasField(column) {
		return nil, fmt.Errorf("resource type %s has no field %s", resourceType, column)
	}
	values = lo.Filter(values, func(v any, _ int) bool { return v != nil })
	if len(values) == 0 {
		return nil, nil
	}

	pb := r.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(entity.FieldNames(), ", "), entity.Table, r.store.Dialect.InExpr(column, pb, values))

	rows, err := QueryRows(ctx, r.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load %s by %s: %w", resourceType, column, err)
	}
	r.Normalize(entity, rows)
	return rows, nil
}

// JoinValues returns selectColumn of every join table row whose matchColumn
// equals value.
func (r *RecordStore) JoinValues(ctx context.Context, table, matchColumn string, value any, selectColumn string) ([]any, error) {
	for _, ident := range []string{table, matchColumn, selectColumn} {
		if !sqlIdentifier.MatchString(ident) {
			return nil, fmt.Errorf("invalid identifier %q", ident)
		}
	}
	pb := r.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", selectColumn, table, matchColumn, pb.Add(value))

	rows, err := QueryRows(ctx, r.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load join table %s: %w", table, err)
	}
	return lo.Uniq(lo.Map(rows, func(row map[string]any, _ int) any { return row[selectColumn] })), nil
}

// Normalize converts driver values of rows to the types the resource type
// declares: SQLite integers to booleans and JSON text to decoded documents.
func (r *RecordStore) Normalize(entity *metadata.Entity, rows []map[string]any) {
	if r.store.Dialect.NeedsBoolFix() {
		NormalizeBooleans(rows, entity.BoolFields())
	}
	for _, f := range entity.Fields {
		if !f.IsJSON() {
			continue
		}
		for _, row := range rows {
			if s, ok := row[f.Name].(string); ok {
				var doc any
				if err := json.Unmarshal([]byte(s), &doc); err == nil {
					row[f.Name] = doc
				}
			}
		}
	}
}

func (r *RecordStore) entity(resourceType string) (*metadata.Entity, error) {
	entity := r.reg.GetEntity(resourceType)
	if entity == nil {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	return entity, nil
}
