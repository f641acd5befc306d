package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"valtimo-authz/internal/config"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/predicate"
	"valtimo-authz/internal/store"
)

var (
	documentType = &metadata.Entity{
		Name:       "document",
		Table:      "documents",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "string"},
		Fields: []metadata.Field{
			{Name: "id", Type: metadata.FieldTypeString},
			{Name: "case_definition", Type: metadata.FieldTypeString},
			{Name: "assignee", Type: metadata.FieldTypeString, Nullable: true},
			{Name: "status", Type: metadata.FieldTypeString},
			{Name: "size", Type: metadata.FieldTypeInt},
			{Name: "archived", Type: metadata.FieldTypeBoolean},
			{Name: "content", Type: metadata.FieldTypeJSON},
			{Name: "due_at", Type: metadata.FieldTypeTimestamp, Nullable: true},
		},
	}
	taskType = &metadata.Entity{
		Name:       "task",
		Table:      "tasks",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "string"},
		Fields: []metadata.Field{
			{Name: "id", Type: metadata.FieldTypeString},
			{Name: "document_id", Type: metadata.FieldTypeString},
			{Name: "assignee", Type: metadata.FieldTypeString, Nullable: true},
			{Name: "candidate_groups", Type: metadata.FieldTypeJSON},
		},
	}
	caseDefinitionType = &metadata.Entity{
		Name:       "case_definition",
		Table:      "case_definitions",
		PrimaryKey: metadata.PrimaryKey{Field: "key", Type: "string"},
		Fields: []metadata.Field{
			{Name: "key", Type: metadata.FieldTypeString},
			{Name: "owner", Type: metadata.FieldTypeString},
		},
	}
	processDefinitionType = &metadata.Entity{
		Name:       "process_definition",
		Table:      "process_definitions",
		PrimaryKey: metadata.PrimaryKey{Field: "id", Type: "string"},
		Fields: []metadata.Field{
			{Name: "id", Type: metadata.FieldTypeString},
			{Name: "process_key", Type: metadata.FieldTypeString},
		},
	}

	taskDocument = &metadata.Relation{
		Name: "task_document", Type: metadata.RelationOneToOne,
		Source: "task", Target: "document", SourceKey: "document_id",
	}
	documentCaseDefinition = &metadata.Relation{
		Name: "document_case_definition", Type: metadata.RelationOneToOne,
		Source: "document", Target: "case_definition", SourceKey: "case_definition", TargetKey: "key",
	}
	processCaseDefinition = &metadata.Relation{
		Name: "process_case_definition", Type: metadata.RelationManyToMany,
		Source: "process_definition", Target: "case_definition", SourceKey: "id",
		JoinTable: "process_case_links", SourceJoinKey: "process_definition_id", TargetJoinKey: "case_definition_key",
	}
)

type fixture struct {
	store   *store.Store
	reg     *metadata.Registry
	records *store.RecordStore
	svc     *Service
}

// newFixture opens an in-memory database holding three documents, three
// tasks, two case definitions and two process definitions. The clock stands
// at 2026-01-15T12:00:00Z.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx, "ROLE_ADMIN"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := metadata.NewRegistry()
	reg.Load(
		[]*metadata.Entity{documentType, taskType, caseDefinitionType, processDefinitionType},
		[]*metadata.Relation{taskDocument, documentCaseDefinition, processCaseDefinition},
	)
	mig := store.NewMigrator(s)
	for _, e := range reg.AllEntities() {
		if err := mig.Migrate(ctx, e); err != nil {
			t.Fatalf("migrate %s: %v", e.Name, err)
		}
	}
	if err := mig.MigrateJoinTable(ctx, processCaseDefinition, processDefinitionType, caseDefinitionType); err != nil {
		t.Fatalf("migrate join table: %v", err)
	}

	seed := []struct {
		sql  string
		rows [][]any
	}{
		{
			"INSERT INTO documents (id, case_definition, assignee, status, size, archived, content, due_at) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)",
			[][]any{
				{"D1", "house", "alice", "open", 10, false, `{"address":{"city":"Amsterdam"},"tags":["urgent","tax"],"rooms":4,"vip":true}`, "2026-01-15T12:00:00Z"},
				{"D2", "person", nil, "closed", 20, false, `{"address":{"city":"Utrecht"},"tags":["tax"],"rooms":1,"vip":false}`, "2026-01-15 07:00:00+01:00"},
				{"D3", "house", "bob", "open", 30, true, `{"address":{"city":"Utrecht"},"tags":[],"rooms":7,"owner":["bob"]}`, nil},
			},
		},
		{
			"INSERT INTO tasks (id, document_id, assignee, candidate_groups) VALUES (?1, ?2, ?3, ?4)",
			[][]any{
				{"T1", "D1", "alice", `["ROLE_CLERK"]`},
				{"T2", "D2", "bob", `["ROLE_MANAGER"]`},
				{"T3", "D3", nil, `[]`},
			},
		},
		{
			"INSERT INTO case_definitions (key, owner) VALUES (?1, ?2)",
			[][]any{{"house", "alice"}, {"person", "bob"}},
		},
		{
			"INSERT INTO process_definitions (id, process_key) VALUES (?1, ?2)",
			[][]any{{"P1", "intake"}, {"P2", "review"}},
		},
		{
			"INSERT INTO process_case_links (process_definition_id, case_definition_key) VALUES (?1, ?2)",
			[][]any{{"P1", "house"}, {"P1", "person"}, {"P2", "person"}},
		},
	}
	for _, st := range seed {
		for _, row := range st.rows {
			if _, err := s.DB.ExecContext(ctx, st.sql, row...); err != nil {
				t.Fatalf("seed %q: %v", st.sql, err)
			}
		}
	}

	records := store.NewRecordStore(s, reg)
	mappers := NewMapperRegistry()
	if err := mappers.LoadRelations(reg.AllRelations(), reg, records); err != nil {
		t.Fatalf("load relations: %v", err)
	}
	svc := NewService(reg, mappers,
		WithEntityLoader(records),
		WithClock(func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }))

	return &fixture{store: s, reg: reg, records: records, svc: svc}
}

// all loads every row of a resource type, normalized as the record store does.
func (f *fixture) all(t *testing.T, resourceType string) []Entity {
	t.Helper()
	entity := f.reg.GetEntity(resourceType)
	rows, err := store.QueryRows(context.Background(), f.store.DB,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(entity.FieldNames(), ", "), entity.Table, entity.PrimaryKey.Field))
	if err != nil {
		t.Fatalf("load %s: %v", resourceType, err)
	}
	f.records.Normalize(entity, rows)
	return rows
}

func (f *fixture) get(t *testing.T, resourceType, id string) Entity {
	t.Helper()
	e, err := f.records.Get(context.Background(), resourceType, id)
	if err != nil {
		t.Fatalf("get %s %s: %v", resourceType, id, err)
	}
	return e
}

func (f *fixture) id(resourceType string, e Entity) string {
	return fmt.Sprint(e[f.reg.GetEntity(resourceType).PrimaryKey.Field])
}

// selectIDs runs p over the rows of root and returns their sorted ids.
func (f *fixture) selectIDs(t *testing.T, root *predicate.Root, p predicate.Predicate) []string {
	t.Helper()
	c := f.records.Compiler()
	pb := f.store.Dialect.NewParamBuilder()
	where, err := c.Compile(p, pb)
	if err != nil {
		t.Fatalf("compile %s: %v", predicate.String(p), err)
	}
	table, err := c.Table(root)
	if err != nil {
		t.Fatalf("resolve table: %v", err)
	}
	pk := f.reg.GetEntity(root.Resource).PrimaryKey.Field
	rows, err := store.QueryRows(context.Background(), f.store.DB,
		fmt.Sprintf("SELECT %s.%s AS id FROM %s AS %s WHERE %s", root.Alias, pk, table, root.Alias, where), pb.Params()...)
	if err != nil {
		t.Fatalf("query %s: %v", where, err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, fmt.Sprint(r["id"]))
	}
	sort.Strings(ids)
	return ids
}

func (f *fixture) evalContext(user *metadata.UserContext, rc *ResourceContext) *EvalContext {
	return f.svc.evalContext(context.Background(), user, rc)
}

// grant loads permissions for a role into the registry.
func (f *fixture) grant(role string, defs ...*metadata.PermissionDefinition) {
	for _, d := range defs {
		d.RoleKey = role
	}
	f.reg.ReplaceRolePermissions(&metadata.Role{Key: role}, defs)
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func entityIDs(entities []Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, fmt.Sprint(e["id"]))
	}
	sort.Strings(ids)
	return ids
}
