package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/config"
	"valtimo-authz/internal/engine"
	"valtimo-authz/internal/metadata"
	"valtimo-authz/internal/store"
)

type adminFixture struct {
	app     *fiber.App
	store   *store.Store
	reg     *metadata.Registry
	mappers *authz.MapperRegistry
	dir     string
}

func newAdminFixture(t *testing.T) *adminFixture {
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
	if err := metadata.LoadAll(ctx, s.DB, reg); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	records := store.NewRecordStore(s, reg)
	mappers := authz.NewMapperRegistry()
	dir := t.TempDir()

	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler})
	RegisterAdminRoutes(app, NewHandler(s, reg, store.NewMigrator(s), records, mappers, dir))
	return &adminFixture{app: app, store: s, reg: reg, mappers: mappers, dir: dir}
}

func (f *adminFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (f *adminFixture) mustDo(t *testing.T, method, path string, body any, status int) []byte {
	t.Helper()
	got, data := f.do(t, method, path, body)
	if got != status {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, got, status, data)
	}
	return data
}

var (
	documentDef = map[string]any{
		"name":        "document",
		"table":       "documents",
		"primary_key": map[string]any{"field": "id", "type": "string"},
		"fields": []map[string]any{
			{"name": "id", "type": "string"},
			{"name": "case_definition", "type": "string"},
			{"name": "assignee", "type": "string", "nullable": true},
		},
	}
	caseDefinitionDef = map[string]any{
		"name":        "case_definition",
		"table":       "case_definitions",
		"primary_key": map[string]any{"field": "key", "type": "string"},
		"fields": []map[string]any{
			{"name": "key", "type": "string"},
		},
	}
	documentCaseRelation = map[string]any{
		"name":       "document_case_definition",
		"type":       "one_to_one",
		"source":     "document",
		"target":     "case_definition",
		"source_key": "case_definition",
		"target_key": "key",
	}
)

func TestResourceTypesAndRelations(t *testing.T) {
	f := newAdminFixture(t)

	f.mustDo(t, "POST", "/api/management/v1/resource-types", documentDef, 201)
	f.mustDo(t, "POST", "/api/management/v1/resource-types", caseDefinitionDef, 201)
	f.mustDo(t, "POST", "/api/management/v1/resource-types", documentDef, 409)

	if f.reg.GetEntity("document") == nil {
		t.Fatal("document not in registry after create")
	}
	exists, err := f.store.Dialect.TableExists(context.Background(), f.store.DB, "documents")
	if err != nil || !exists {
		t.Fatalf("documents table not migrated: %v", err)
	}

	bad := map[string]any{"name": "Bad Name", "table": "bad", "primary_key": map[string]any{"field": "id"}, "fields": []any{}}
	f.mustDo(t, "POST", "/api/management/v1/resource-types", bad, 422)

	f.mustDo(t, "POST", "/api/management/v1/relations", documentCaseRelation, 201)
	if !f.mappers.Supports("document", "case_definition") || !f.mappers.Supports("case_definition", "document") {
		t.Fatal("relation mappers not loaded in both directions")
	}

	unknownTarget := map[string]any{
		"name": "document_owner", "type": "one_to_one", "source": "document", "target": "user", "source_key": "assignee",
	}
	f.mustDo(t, "POST", "/api/management/v1/relations", unknownTarget, 422)

	f.mustDo(t, "DELETE", "/api/management/v1/relations/document_case_definition", nil, 200)
	if f.mappers.Supports("document", "case_definition") {
		t.Fatal("mapper still registered after relation delete")
	}

	f.mustDo(t, "DELETE", "/api/management/v1/resource-types/case_definition", nil, 200)
	f.mustDo(t, "GET", "/api/management/v1/resource-types/case_definition", nil, 404)
}

func TestReplaceRolePermissions(t *testing.T) {
	f := newAdminFixture(t)
	f.mustDo(t, "POST", "/api/management/v1/resource-types", documentDef, 201)
	f.mustDo(t, "POST", "/api/management/v1/roles", map[string]any{"key": "ROLE_USER"}, 201)
	f.mustDo(t, "POST", "/api/management/v1/roles", map[string]any{"key": "ROLE_USER"}, 409)

	perms := []map[string]any{
		{
			"resource_type": "document",
			"action":        "view",
			"conditions": []map[string]any{
				{"type": "field", "field": "assignee", "operator": "==", "value": "${currentUserId}"},
			},
		},
		{"resource_type": "document", "action": "view_list"},
	}
	data := f.mustDo(t, "PUT", "/api/management/v1/roles/ROLE_USER/permissions", perms, 200)

	var stored struct {
		Data []metadata.PermissionDefinition `json:"data"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stored.Data) != 2 || stored.Data[0].ID == "" || stored.Data[0].RoleKey != "ROLE_USER" {
		t.Fatalf("unexpected stored permissions: %+v", stored.Data)
	}
	if got := len(f.reg.GetRolePermissions("ROLE_USER")); got != 2 {
		t.Fatalf("registry holds %d permissions, want 2", got)
	}

	data = f.mustDo(t, "GET", "/api/management/v1/resource-types/document/actions", nil, 200)
	var actions struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(data, &actions); err != nil {
		t.Fatalf("decode actions: %v", err)
	}
	if len(actions.Data) != 2 || actions.Data[0] != "view" || actions.Data[1] != "view_list" {
		t.Fatalf("actions = %v, want [view view_list]", actions.Data)
	}

	invalid := []map[string]any{
		{"resource_type": "document", "action": "view"},
		{"resource_type": "document", "action": "view", "conditions": []map[string]any{
			{"type": "field", "field": "assignee", "operator": "~", "value": "x"},
		}},
		{"resource_type": "invoice", "action": "view"},
	}
	f.mustDo(t, "PUT", "/api/management/v1/roles/ROLE_USER/permissions", invalid, 422)
	if got := len(f.reg.GetRolePermissions("ROLE_USER")); got != 2 {
		t.Fatalf("rejected replace changed the registry: %d permissions", got)
	}

	f.mustDo(t, "PUT", "/api/management/v1/roles/ROLE_USER/permissions", []any{}, 200)
	if got := len(f.reg.GetRolePermissions("ROLE_USER")); got != 0 {
		t.Fatalf("registry holds %d permissions after clearing, want 0", got)
	}

	f.mustDo(t, "DELETE", "/api/management/v1/roles/ROLE_USER", nil, 200)
	f.mustDo(t, "GET", "/api/management/v1/roles/ROLE_USER/permissions", nil, 404)
	f.mustDo(t, "DELETE", "/api/management/v1/roles/ROLE_USER", nil, 404)
}

func TestDeployPermissionFiles(t *testing.T) {
	f := newAdminFixture(t)
	f.mustDo(t, "POST", "/api/management/v1/resource-types", documentDef, 201)

	file := `
roles:
  - key: case-admin
  - key: ROLE_EMPTY
permissions:
  - resource_type: document
    action: view
    role_key: case-admin
    conditions:
      - type: field
        field: case_definition
        operator: "=="
        value: house
  - resource_type: document
    action: view_list
    role_key: case-admin
`
	if err := os.WriteFile(filepath.Join(f.dir, "cases.permissions.yaml"), []byte(file), 0o644); err != nil {
		t.Fatalf("write deployment: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write other file: %v", err)
	}

	data := f.mustDo(t, "POST", "/api/management/v1/permissions/deploy", nil, 200)
	var counts struct {
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(data, &counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Data["case-admin"] != 2 || counts.Data["ROLE_EMPTY"] != 0 {
		t.Fatalf("deployed counts = %v", counts.Data)
	}
	if got := len(f.reg.GetRolePermissions("case-admin")); got != 2 {
		t.Fatalf("registry holds %d case-admin permissions, want 2", got)
	}

	// Redeploying replaces rather than appends.
	f.mustDo(t, "POST", "/api/management/v1/permissions/deploy", nil, 200)
	stored, err := store.NewPermissionStore(f.store).RolePermissions(context.Background(), "case-admin")
	if err != nil {
		t.Fatalf("load stored permissions: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d permissions after redeploy, want 2", len(stored))
	}

	broken := "permissions:\n  - resource_type: document\n    action: view\n    role_key: ROLE_UNKNOWN\n"
	if err := os.WriteFile(filepath.Join(f.dir, "z.permissions.yaml"), []byte(broken), 0o644); err != nil {
		t.Fatalf("write deployment: %v", err)
	}
	f.mustDo(t, "POST", "/api/management/v1/permissions/deploy", nil, 422)
	if got := len(f.reg.GetRolePermissions("case-admin")); got != 2 {
		t.Fatalf("failed deployment changed the registry: %d permissions", got)
	}
}
