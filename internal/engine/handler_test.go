package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"valtimo-authz/internal/authz"
	"valtimo-authz/internal/config"
	"valtimo-authz/internal/metadata"
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
	documentCaseDefinition = &metadata.Relation{
		Name: "document_case_definition", Type: metadata.RelationOneToOne,
		Source: "document", Target: "case_definition", SourceKey: "case_definition", TargetKey: "key",
	}
)

func ownDocuments(action string) *metadata.PermissionDefinition {
	return &metadata.PermissionDefinition{
		ResourceType: "document",
		Action:       action,
		Conditions: []metadata.ConditionDefinition{
			{Type: metadata.ConditionField, Field: "assignee", Operator: "==", Value: "${currentUserId}"},
		},
	}
}

// testApp serves the resource and permission routes over an in-memory
// database. The X-User header names the acting user; X-Roles lists roles.
func testApp(t *testing.T, grants map[string][]*metadata.PermissionDefinition) *fiber.App {
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
	reg.Load([]*metadata.Entity{documentType, caseDefinitionType}, []*metadata.Relation{documentCaseDefinition})
	mig := store.NewMigrator(s)
	for _, e := range reg.AllEntities() {
		if err := mig.Migrate(ctx, e); err != nil {
			t.Fatalf("migrate %s: %v", e.Name, err)
		}
	}
	for _, row := range [][]any{
		{"D1", "house", "alice", "open", 10},
		{"D2", "person", nil, "closed", 20},
		{"D3", "house", "bob", "open", 30},
	} {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO documents (id, case_definition, assignee, status, size) VALUES (?1, ?2, ?3, ?4, ?5)", row...); err != nil {
			t.Fatalf("seed document: %v", err)
		}
	}
	for _, row := range [][]any{{"house", "alice"}, {"person", "bob"}} {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO case_definitions (key, owner) VALUES (?1, ?2)", row...); err != nil {
			t.Fatalf("seed case definition: %v", err)
		}
	}

	for role, defs := range grants {
		for _, d := range defs {
			d.RoleKey = role
		}
		reg.ReplaceRolePermissions(&metadata.Role{Key: role}, defs)
	}

	records := store.NewRecordStore(s, reg)
	mappers := authz.NewMapperRegistry()
	if err := mappers.LoadRelations(reg.AllRelations(), reg, records); err != nil {
		t.Fatalf("load relations: %v", err)
	}
	svc := authz.NewService(reg, mappers, authz.WithEntityLoader(records))

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	testUser := func(c *fiber.Ctx) error {
		id := c.Get("X-User")
		if id == "" {
			return UnauthorizedError("Missing auth token")
		}
		roles := []string{}
		if r := c.Get("X-Roles"); r != "" {
			roles = strings.Split(r, ",")
		}
		user := &metadata.UserContext{ID: id, Roles: roles}
		c.Locals("user", user)
		c.SetUserContext(authz.WithUser(c.UserContext(), user))
		return c.Next()
	}
	RegisterRoutes(app, NewHandler(s, reg, records, svc), NewPermissionHandler(svc), testUser)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, user, roles string, body any) (*http.Response, []byte) {
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
	if user != "" {
		req.Header.Set("X-User", user)
		req.Header.Set("X-Roles", roles)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

type listResponse struct {
	Data []map[string]any `json:"data"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

func listIDs(t *testing.T, app *fiber.App, path, user, roles string) ([]string, int) {
	t.Helper()
	resp, data := doRequest(t, app, "GET", path, user, roles, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, data)
	}
	var lr listResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	ids := make([]string, 0, len(lr.Data))
	for _, row := range lr.Data {
		ids = append(ids, row["id"].(string))
	}
	return ids, lr.Meta.Total
}

func TestListIsFilteredByViewListPermissions(t *testing.T) {
	app := testApp(t, map[string][]*metadata.PermissionDefinition{
		"ROLE_USER":    {ownDocuments(authz.ActionViewList)},
		"ROLE_MANAGER": {{ResourceType: "document", Action: authz.ActionViewList}},
	})

	ids, total := listIDs(t, app, "/api/v1/resources/document", "alice", "ROLE_USER")
	if strings.Join(ids, ",") != "D1" || total != 1 {
		t.Fatalf("alice sees %v (total %d), want [D1]", ids, total)
	}

	ids, total = listIDs(t, app, "/api/v1/resources/document?filter[status]=closed", "alice", "ROLE_USER")
	if len(ids) != 0 || total != 0 {
		t.Fatalf("alice sees closed documents %v", ids)
	}

	ids, total = listIDs(t, app, "/api/v1/resources/document", "carol", "")
	if len(ids) != 0 || total != 0 {
		t.Fatalf("user without roles sees %v", ids)
	}

	ids, total = listIDs(t, app, "/api/v1/resources/document?sort=-size", "mia", "ROLE_MANAGER")
	if strings.Join(ids, ",") != "D3,D2,D1" || total != 3 {
		t.Fatalf("manager sees %v (total %d), want [D3 D2 D1]", ids, total)
	}

	ids, _ = listIDs(t, app, "/api/v1/resources/document?filter[size.gte]=20&filter[assignee.null]=false", "mia", "ROLE_MANAGER")
	if strings.Join(ids, ",") != "D3" {
		t.Fatalf("filtered manager list = %v, want [D3]", ids)
	}

	ids, total = listIDs(t, app, "/api/v1/resources/document?filter[id.in]=D1,D2&per_page=1&page=2", "mia", "ROLE_MANAGER")
	if strings.Join(ids, ",") != "D2" || total != 2 {
		t.Fatalf("second page = %v (total %d), want [D2] of 2", ids, total)
	}
}

func TestListCombinesPermissionsOfAllRoles(t *testing.T) {
	app := testApp(t, map[string][]*metadata.PermissionDefinition{
		"ROLE_USER": {ownDocuments(authz.ActionViewList)},
		"ROLE_CLERK": {{
			ResourceType: "document",
			Action:       authz.ActionViewList,
			Conditions: []metadata.ConditionDefinition{
				{Type: metadata.ConditionField, Field: "status", Operator: "==", Value: "closed"},
			},
		}},
	})

	ids, total := listIDs(t, app, "/api/v1/resources/document", "alice", "ROLE_USER,ROLE_CLERK")
	sort.Strings(ids)
	if strings.Join(ids, ",") != "D1,D2" || total != 2 {
		t.Fatalf("alice sees %v (total %d), want [D1 D2]", ids, total)
	}
}

func TestGetByIDChecksViewPermission(t *testing.T) {
	app := testApp(t, map[string][]*metadata.PermissionDefinition{
		"ROLE_USER": {ownDocuments(authz.ActionView)},
	})

	resp, data := doRequest(t, app, "GET", "/api/v1/resources/document/D1", "alice", "ROLE_USER", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("own document: status %d: %s", resp.StatusCode, data)
	}

	resp, data = doRequest(t, app, "GET", "/api/v1/resources/document/D3", "alice", "ROLE_USER", nil)
	if resp.StatusCode != 403 {
		t.Fatalf("other document: status %d, want 403", resp.StatusCode)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Error.Code != "FORBIDDEN" {
		t.Fatalf("code = %s, want FORBIDDEN", errResp.Error.Code)
	}

	resp, _ = doRequest(t, app, "GET", "/api/v1/resources/document/D9", "alice", "ROLE_USER", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("missing document: status %d, want 404", resp.StatusCode)
	}
}

func TestRequestErrors(t *testing.T) {
	app := testApp(t, nil)

	cases := []struct {
		name   string
		path   string
		user   string
		status int
		code   string
	}{
		{"unknown resource type", "/api/v1/resources/nonexistent", "alice", 404, "UNKNOWN_RESOURCE_TYPE"},
		{"unknown filter field", "/api/v1/resources/document?filter[color]=red", "alice", 400, "UNKNOWN_FIELD"},
		{"bad filter value", "/api/v1/resources/document?filter[size.gt]=big", "alice", 400, "INVALID_PAYLOAD"},
		{"unknown sort field", "/api/v1/resources/document?sort=color", "alice", 400, "UNKNOWN_FIELD"},
		{"anonymous", "/api/v1/resources/document", "", 401, "UNAUTHORIZED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := doRequest(t, app, "GET", tc.path, tc.user, "", nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d, want %d: %s", resp.StatusCode, tc.status, data)
			}
			var errResp ErrorResponse
			if err := json.Unmarshal(data, &errResp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if errResp.Error.Code != tc.code {
				t.Fatalf("code %s, want %s", errResp.Error.Code, tc.code)
			}
		})
	}
}

func TestPermissionAvailability(t *testing.T) {
	app := testApp(t, map[string][]*metadata.PermissionDefinition{
		"ROLE_USER": {
			ownDocuments(authz.ActionViewList),
			{
				ResourceType: "document",
				Action:       authz.ActionCreate,
				Conditions: []metadata.ConditionDefinition{{
					Type:         metadata.ConditionContainer,
					ResourceType: "case_definition",
					Conditions: []metadata.ConditionDefinition{
						{Type: metadata.ConditionField, Field: "owner", Operator: "==", Value: "${currentUserId}"},
					},
				}},
			},
		},
	})

	body := []PermissionAvailableRequest{
		{Resource: "document", Action: authz.ActionCreate, Context: &PermissionContext{Resource: "case_definition", Identifier: "house"}},
		{Resource: "document", Action: authz.ActionCreate, Context: &PermissionContext{Resource: "case_definition", Identifier: "person"}},
		{Resource: "document", Action: authz.ActionCreate, Context: &PermissionContext{Resource: "case_definition", Identifier: "missing"}},
		{Resource: "document", Action: authz.ActionViewList},
		{Resource: "document", Action: authz.ActionDelete},
	}
	resp, data := doRequest(t, app, "POST", "/api/v1/permissions", "alice", "ROLE_USER", body)
	if resp.StatusCode != 200 {
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}
	var results []PermissionAvailableResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	want := []bool{true, false, false, true, false}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, r := range results {
		if r.Available != want[i] {
			t.Fatalf("result %d (%s %s) available = %v, want %v", i, r.Action, r.Resource, r.Available, want[i])
		}
		if r.Resource != body[i].Resource || r.Action != body[i].Action {
			t.Fatalf("result %d does not echo its request: %+v", i, r)
		}
	}

	resp, _ = doRequest(t, app, "POST", "/api/v1/permissions", "alice", "ROLE_USER",
		[]map[string]any{{"resource": "document"}})
	if resp.StatusCode != 422 {
		t.Fatalf("missing action: status %d, want 422", resp.StatusCode)
	}
}
