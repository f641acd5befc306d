package instrument

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"valtimo-authz/internal/store"
)

const eventSelect = "SELECT id, trace_id, span_id, parent_span_id, event_type, source, component, action, resource_type, record_id, user_id, duration_ms, status, metadata, created_at FROM _events"

// EventHandler serves the event query endpoints.
type EventHandler struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewEventHandler(db *sql.DB, dialect store.Dialect) *EventHandler {
	return &EventHandler{db: db, dialect: dialect}
}

// RegisterEventRoutes mounts the event endpoints under /api/management/v1/_events.
func RegisterEventRoutes(app *fiber.App, h *EventHandler, middleware ...fiber.Handler) {
	events := app.Group("/api/management/v1/_events", middleware...)
	events.Post("/", h.Emit)
	events.Get("/", h.List)
	events.Get("/trace/:traceId", h.GetTrace)
	events.Get("/stats", h.GetStats)
}

// eventFilter accumulates WHERE conditions over query parameters.
type eventFilter struct {
	pb         store.ParamBuilder
	conditions []string
}

func (h *EventHandler) newFilter(base ...string) *eventFilter {
	return &eventFilter{pb: h.dialect.NewParamBuilder(), conditions: base}
}

func (f *eventFilter) add(c *fiber.Ctx, param, expr string) {
	if v := c.Query(param); v != "" {
		f.conditions = append(f.conditions, fmt.Sprintf(expr, f.pb.Add(v)))
	}
}

func (f *eventFilter) where() string {
	if len(f.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conditions, " AND ")
}

// Emit handles POST /_events.
func (h *EventHandler) Emit(c *fiber.Ctx) error {
	var body struct {
		Action       string         `json:"action"`
		ResourceType string         `json:"resource_type"`
		RecordID     string         `json:"record_id"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": fiber.Map{"code": "INVALID_PAYLOAD", "message": "Invalid JSON body"}})
	}
	if body.Action == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "action is required"}})
	}

	inst := GetInstrumenter(c.UserContext())
	inst.EmitBusinessEvent(c.UserContext(), body.Action, body.ResourceType, body.RecordID, body.Metadata)

	return c.JSON(fiber.Map{"data": fiber.Map{"status": "ok"}})
}

// List handles GET /_events.
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()

	f := h.newFilter()
	for _, col := range []string{"source", "component", "action", "resource_type", "event_type", "trace_id", "user_id", "status"} {
		f.add(c, col, col+" = %s")
	}
	f.add(c, "from", "created_at >= %s")
	f.add(c, "to", "created_at <= %s")

	page := max(cast.ToInt(c.Query("page", "1")), 1)
	perPage := cast.ToInt(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	perPage = min(perPage, 100)

	orderBy := "created_at DESC"
	if c.Query("sort", "-created_at") == "created_at" {
		orderBy = "created_at ASC"
	}

	countRow, err := store.QueryRow(ctx, h.db, "SELECT COUNT(*) AS count FROM _events"+f.where(), f.pb.Params()...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	total := cast.ToInt(countRow["count"])

	where := f.where()
	limit := f.pb.Add(perPage)
	offset := f.pb.Add((page - 1) * perPage)
	rows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("%s%s ORDER BY %s LIMIT %s OFFSET %s", eventSelect, where, orderBy, limit, offset),
		f.pb.Params()...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// GetTrace handles GET /_events/trace/:traceId and returns the span tree.
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	ctx := c.UserContext()
	traceID := c.Params("traceId")
	if traceID == "" {
		return c.Status(422).JSON(fiber.Map{"error": fiber.Map{"code": "VALIDATION_FAILED", "message": "trace_id is required"}})
	}

	pb := h.dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, h.db,
		fmt.Sprintf("%s WHERE trace_id = %s ORDER BY created_at ASC", eventSelect, pb.Add(traceID)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	bySpan := lo.KeyBy(rows, func(row map[string]any) string { return cast.ToString(row["span_id"]) })
	children := make(map[string][]map[string]any, len(rows))
	var rootSpan map[string]any
	for _, row := range rows {
		parentID := cast.ToString(row["parent_span_id"])
		if parentID == "" {
			rootSpan = row
			continue
		}
		if _, ok := bySpan[parentID]; ok {
			children[parentID] = append(children[parentID], row)
		}
	}
	for id, row := range bySpan {
		row["children"] = lo.Ternary(children[id] == nil, []map[string]any{}, children[id])
	}
	if rootSpan == nil {
		rootSpan = rows[0]
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         rootSpan,
			"spans":             rows,
			"total_duration_ms": rootSpan["duration_ms"],
		},
	})
}

// GetStats handles GET /_events/stats. Percentiles are computed here so
// both dialects report them the same way.
func (h *EventHandler) GetStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	f := h.newFilter()
	f.add(c, "from", "created_at >= %s")
	f.add(c, "to", "created_at <= %s")
	f.add(c, "resource_type", "resource_type = %s")

	totalRow, err := store.QueryRow(ctx, h.db,
		"SELECT COUNT(*) AS total_events, AVG(duration_ms) AS avg_latency_ms, SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS error_count FROM _events"+f.where(),
		f.pb.Params()...)
	if err != nil {
		return fmt.Errorf("event stats: %w", err)
	}
	totalEvents := cast.ToInt(totalRow["total_events"])
	var errorRate float64
	if totalEvents > 0 {
		errorRate = math.Round(cast.ToFloat64(totalRow["error_count"])/float64(totalEvents)*10000) / 10000
	}

	timed := &eventFilter{pb: f.pb, conditions: append([]string{"duration_ms IS NOT NULL"}, f.conditions...)}
	rows, err := store.QueryRows(ctx, h.db,
		"SELECT source, duration_ms, status FROM _events"+timed.where(), timed.pb.Params()...)
	if err != nil {
		return fmt.Errorf("event stats by source: %w", err)
	}

	all := lo.Map(rows, func(r map[string]any, _ int) float64 { return cast.ToFloat64(r["duration_ms"]) })
	grouped := lo.GroupBy(rows, func(r map[string]any) string { return cast.ToString(r["source"]) })
	bySource := make([]fiber.Map, 0, len(grouped))
	for source, group := range grouped {
		durations := lo.Map(group, func(r map[string]any, _ int) float64 { return cast.ToFloat64(r["duration_ms"]) })
		bySource = append(bySource, fiber.Map{
			"source":          source,
			"count":           len(group),
			"avg_duration_ms": lo.Mean(durations),
			"p95_duration_ms": percentile(durations, 0.95),
			"error_count":     lo.CountBy(group, func(r map[string]any) bool { return r["status"] == "error" }),
		})
	}
	sort.Slice(bySource, func(i, j int) bool {
		ci, cj := bySource[i]["count"].(int), bySource[j]["count"].(int)
		if ci != cj {
			return ci > cj
		}
		return bySource[i]["source"].(string) < bySource[j]["source"].(string)
	})

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"total_events":   totalEvents,
			"avg_latency_ms": totalRow["avg_latency_ms"],
			"p95_latency_ms": percentile(all, 0.95),
			"error_rate":     errorRate,
			"by_source":      bySource,
		},
	})
}

// percentile returns the nearest-rank percentile of values, or nil when empty.
func percentile(values []float64, p float64) any {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := min(int(float64(len(sorted))*p), len(sorted)-1)
	return sorted[idx]
}
